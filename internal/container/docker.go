// Package container runs agent commands inside throwaway Docker containers.
package container

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/swamp-dev/agentboard/internal/config"
)

// Manager handles Docker container lifecycle.
type Manager struct {
	client *client.Client
}

// NewManager creates a Docker client from the environment.
func NewManager() (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	return &Manager{client: cli}, nil
}

// Close releases the Docker client resources.
func (m *Manager) Close() error {
	return m.client.Close()
}

// RunConfig holds all settings for one container run.
type RunConfig struct {
	Name        string
	Image       string
	ProjectPath string
	Env         []string
	Cmd         []string
	Network     string
	Memory      int64
	CPUs        float64
	MountGit    bool
}

// Output is the captured result of a container run.
type Output struct {
	ExitCode int64
	Logs     string
}

// ImageName returns the full Docker image name for a given image type.
func ImageName(imageType string) string {
	switch imageType {
	case "node":
		return "agentboard/node:20"
	case "python":
		return "agentboard/python:3.12"
	case "go":
		return "agentboard/go:1.24"
	case "rust":
		return "agentboard/rust:1.77"
	case "full":
		return "agentboard/full:latest"
	default:
		return imageType
	}
}

func (m *Manager) create(ctx context.Context, cfg *RunConfig) (string, error) {
	mounts := []mount.Mount{
		{
			Type:   mount.TypeBind,
			Source: cfg.ProjectPath,
			Target: "/workspace",
		},
	}

	if cfg.MountGit {
		home, _ := os.UserHomeDir()
		gitConfig := filepath.Join(home, ".gitconfig")
		if _, err := os.Stat(gitConfig); err == nil {
			mounts = append(mounts, mount.Mount{
				Type:     mount.TypeBind,
				Source:   gitConfig,
				Target:   "/home/agent/.gitconfig",
				ReadOnly: true,
			})
		}
	}

	containerCfg := &container.Config{
		Image:      cfg.Image,
		Cmd:        cfg.Cmd,
		Env:        cfg.Env,
		WorkingDir: "/workspace",
	}

	hostCfg := &container.HostConfig{
		Mounts: mounts,
		Resources: container.Resources{
			Memory:   cfg.Memory,
			NanoCPUs: int64(cfg.CPUs * 1e9),
		},
	}
	switch cfg.Network {
	case "none", "host", "bridge":
		hostCfg.NetworkMode = container.NetworkMode(cfg.Network)
	}

	resp, err := m.client.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}

	if err := m.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = m.remove(context.WithoutCancel(ctx), resp.ID)
		return "", fmt.Errorf("starting container: %w", err)
	}

	return resp.ID, nil
}

// Run creates a container, waits for it to exit and returns its logs. When
// ctx ends first the container is killed and ctx's error is returned. The
// container is always removed.
func (m *Manager) Run(ctx context.Context, cfg *RunConfig) (*Output, error) {
	id, err := m.create(ctx, cfg)
	if err != nil {
		return nil, err
	}
	cleanup := context.WithoutCancel(ctx)
	defer func() { _ = m.remove(cleanup, id) }()

	statusCh, errCh := m.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			return nil, fmt.Errorf("container %s aborted: %w", cfg.Name, ctx.Err())
		}
		return nil, fmt.Errorf("waiting for container: %w", err)
	case status := <-statusCh:
		logs, err := m.logs(cleanup, id)
		if err != nil {
			return nil, err
		}
		out := &Output{ExitCode: status.StatusCode, Logs: logs}
		if status.Error != nil && status.Error.Message != "" {
			return out, errors.New(status.Error.Message)
		}
		return out, nil
	}
}

func (m *Manager) logs(ctx context.Context, id string) (string, error) {
	out, err := m.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("getting container logs: %w", err)
	}
	defer out.Close()

	var stdout, stderr strings.Builder
	if _, err := stdcopy.StdCopy(&stdout, &stderr, out); err != nil {
		return "", fmt.Errorf("reading container logs: %w", err)
	}

	return stdout.String() + stderr.String(), nil
}

func (m *Manager) remove(ctx context.Context, id string) error {
	return m.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

// ParseMemory converts a memory string (e.g., "4g") to bytes.
func ParseMemory(mem string) (int64, error) {
	mem = strings.ToLower(strings.TrimSpace(mem))
	if mem == "" {
		return 0, nil
	}

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(mem, "g"):
		multiplier = 1024 * 1024 * 1024
		mem = strings.TrimSuffix(mem, "g")
	case strings.HasSuffix(mem, "m"):
		multiplier = 1024 * 1024
		mem = strings.TrimSuffix(mem, "m")
	case strings.HasSuffix(mem, "k"):
		multiplier = 1024
		mem = strings.TrimSuffix(mem, "k")
	}

	var value int64
	if _, err := fmt.Sscanf(mem, "%d", &value); err != nil {
		return 0, fmt.Errorf("invalid memory value: %s", mem)
	}

	return value * multiplier, nil
}

// ParseCPUs converts a CPU string to a float.
func ParseCPUs(cpus string) (float64, error) {
	cpus = strings.TrimSpace(cpus)
	if cpus == "" {
		return 0, nil
	}

	var value float64
	if _, err := fmt.Sscanf(cpus, "%f", &value); err != nil {
		return 0, fmt.Errorf("invalid CPU value: %s", cpus)
	}

	return value, nil
}

// dangerousPaths are system directories that should never be mounted.
var dangerousPaths = []string{
	"/etc", "/root", "/sys", "/proc", "/dev", "/boot",
	"/var/run", "/var/log", "/usr", "/bin", "/sbin", "/lib",
}

// ValidateProjectPath checks that the path is safe to mount.
func ValidateProjectPath(projectPath string) error {
	absPath, err := filepath.Abs(projectPath)
	if err != nil {
		return fmt.Errorf("resolving project path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("project path does not exist: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("project path is not a directory: %s", absPath)
	}

	for _, dangerous := range dangerousPaths {
		if absPath == dangerous || strings.HasPrefix(absPath, dangerous+"/") {
			return fmt.Errorf("refusing to mount system directory: %s", absPath)
		}
	}

	return nil
}

// NewRunConfig builds the container settings for one agent invocation.
// name identifies the run and becomes part of the container name.
func NewRunConfig(cfg *config.Config, name string, cmd, env []string) (*RunConfig, error) {
	memory, err := ParseMemory(cfg.Docker.Resources.Memory)
	if err != nil {
		return nil, err
	}

	cpus, err := ParseCPUs(cfg.Docker.Resources.CPUs)
	if err != nil {
		return nil, err
	}

	projectPath := cfg.Agent.WorkDir
	if projectPath == "" {
		projectPath = cfg.Project.Path
	}
	if err := ValidateProjectPath(projectPath); err != nil {
		return nil, err
	}

	absPath, err := filepath.Abs(projectPath)
	if err != nil {
		return nil, fmt.Errorf("resolving project path: %w", err)
	}

	return &RunConfig{
		Name:        fmt.Sprintf("agentboard-%s-%s", cfg.Project.Name, name),
		Image:       ImageName(cfg.Docker.Image),
		ProjectPath: absPath,
		Env:         env,
		Cmd:         cmd,
		Network:     cfg.Docker.Network,
		Memory:      memory,
		CPUs:        cpus,
		MountGit:    true,
	}, nil
}
