package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/swamp-dev/agentboard/internal/governance"
)

// --- Governance state ---

// SaveBreaker persists the circuit breaker snapshot.
func (s *Store) SaveBreaker(ctx context.Context, snap governance.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding breaker state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO breaker_state (id, data, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		string(data), formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("saving breaker state: %w", err)
	}
	return nil
}

// LoadBreaker returns the persisted breaker snapshot. ok is false when none
// has been saved.
func (s *Store) LoadBreaker(ctx context.Context) (snap governance.Snapshot, ok bool, err error) {
	var data string
	err = s.db.QueryRowContext(ctx, "SELECT data FROM breaker_state WHERE id = 1").Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, false, nil
	}
	if err != nil {
		return snap, false, fmt.Errorf("loading breaker state: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return snap, false, fmt.Errorf("decoding breaker state: %w", err)
	}
	return snap, true, nil
}

// SaveTrustProfile persists one agent's trust profile.
func (s *Store) SaveTrustProfile(ctx context.Context, p governance.TrustProfile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding trust profile: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trust_profiles (agent_id, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		p.AgentID, string(data), formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("saving trust profile %s: %w", p.AgentID, err)
	}
	return nil
}

// LoadTrustProfiles returns every persisted trust profile ordered by agent.
func (s *Store) LoadTrustProfiles(ctx context.Context) ([]governance.TrustProfile, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT data FROM trust_profiles ORDER BY agent_id")
	if err != nil {
		return nil, fmt.Errorf("loading trust profiles: %w", err)
	}
	defer rows.Close()

	var out []governance.TrustProfile
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var p governance.TrustProfile
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("decoding trust profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
