package risk

import (
	"testing"

	"github.com/swamp-dev/agentboard/internal/taskdb"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		task taskdb.Task
		want Level
	}{
		{"root access in chinese", taskdb.Task{Name: "ops", Description: "root 存取"}, Critical},
		{"data leak", taskdb.Task{Name: "Investigate DATA LEAK in export"}, Critical},
		{"xss upper case", taskdb.Task{Name: "Fix XSS in comment form"}, High},
		{"critical keyword", taskdb.Task{Description: "this is a critical fix"}, High},
		{"memory leak", taskdb.Task{Description: "memory leak in worker pool"}, Medium},
		{"source tag", taskdb.Task{Name: "adjust cache", Source: "agent-proposal:risk"}, Medium},
		{"refactor", taskdb.Task{Name: "Refactor parser"}, Low},
		{"tech debt chinese", taskdb.Task{Name: "清理技術債"}, Low},
		{"no keywords", taskdb.Task{Name: "Add README badge"}, None},
		{"critical beats low", taskdb.Task{Name: "refactor backdoor removal"}, Critical},
		{"explicit level wins", taskdb.Task{Name: "refactor", RiskLevel: "high"}, High},
		{"explicit level case-insensitive", taskdb.Task{Name: "docs", RiskLevel: " Critical "}, Critical},
		{"explicit none falls through", taskdb.Task{Name: "fix xss", RiskLevel: "none"}, High},
		{"unknown explicit falls through", taskdb.Task{Name: "refactor", RiskLevel: "spicy"}, Low},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := tt.task
			got := Classify(&task)
			if got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
			if again := Classify(&task); again != got {
				t.Errorf("Classify() not stable: %s then %s", got, again)
			}
		})
	}
}

func TestClassifyNil(t *testing.T) {
	if got := Classify(nil); got != None {
		t.Errorf("Classify(nil) = %s, want none", got)
	}
	if got := Reason(nil); got != "no task" {
		t.Errorf("Reason(nil) = %q, want \"no task\"", got)
	}
}

func TestRequiresReview(t *testing.T) {
	for lvl, want := range map[Level]bool{None: false, Low: false, Medium: false, High: true, Critical: true} {
		if got := lvl.RequiresReview(); got != want {
			t.Errorf("%s.RequiresReview() = %v, want %v", lvl, got, want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	for _, name := range levelNames {
		lvl, ok := ParseLevel(name)
		if !ok || lvl.String() != name {
			t.Errorf("ParseLevel(%q) = %v, %v", name, lvl, ok)
		}
	}
	if _, ok := ParseLevel("severe"); ok {
		t.Error("expected unknown level to fail")
	}
	if Level(42).String() != "unknown" {
		t.Error("expected out-of-range level to print unknown")
	}
}

func TestReason(t *testing.T) {
	if got := Reason(&taskdb.Task{Description: "root 存取"}); got != `matched critical keyword "root 存取"` {
		t.Errorf("unexpected reason %q", got)
	}
	if got := Reason(&taskdb.Task{RiskLevel: "medium"}); got != "explicit risk level medium" {
		t.Errorf("unexpected reason %q", got)
	}
}
