package sandbox

import (
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/lexcodex/mcpexec/internal/config"
)

// Policy is the immutable resource envelope for one isolated execution.
// Exactly one instance is built per execution request; Validate rejects it
// before the child process is ever spawned.
type Policy struct {
	// Resource limits.
	MemoryLimit string
	CPULimit    string // optional, e.g. "1.0"
	PidsLimit   int

	// Wall-clock budget. Timeout may not exceed MaxTimeout.
	Timeout    time.Duration
	MaxTimeout time.Duration

	// Filesystem: read-only root plus two size-bounded writable scratch
	// mounts, both noexec,nosuid,nodev.
	TmpfsSizeTmp       string
	TmpfsSizeWorkspace string
	AllowHostPaths     []string

	// Network mode: "none" (isolated), "bridge", "host", or "container:NAME".
	NetworkMode string

	// Identity and capabilities.
	User             string
	DropCapabilities []string
}

// PolicyFromConfig builds a policy from the loaded sandbox section, filling
// the hardened defaults for everything the document does not expose.
func PolicyFromConfig(cfg config.SandboxConfig) Policy {
	return Policy{
		MemoryLimit:        cfg.MemoryLimit,
		CPULimit:           cfg.CPULimit,
		PidsLimit:          cfg.PidsLimit,
		Timeout:            time.Duration(cfg.Timeout) * time.Second,
		MaxTimeout:         time.Duration(cfg.MaxTimeout) * time.Second,
		TmpfsSizeTmp:       "64m",
		TmpfsSizeWorkspace: "128m",
		NetworkMode:        "none",
		User:               "65534:65534",
		DropCapabilities:   []string{"ALL"},
	}
}

// Validate checks the policy constraints. A failed validation keeps the
// request in the preparing state; nothing is spawned.
func (p Policy) Validate() error {
	if p.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", p.Timeout)
	}
	if p.MaxTimeout > 0 && p.Timeout > p.MaxTimeout {
		return fmt.Errorf("timeout %s exceeds maximum %s", p.Timeout, p.MaxTimeout)
	}
	if p.PidsLimit <= 0 {
		return fmt.Errorf("pids limit must be positive, got %d", p.PidsLimit)
	}
	if _, err := units.RAMInBytes(p.MemoryLimit); err != nil {
		return fmt.Errorf("invalid memory limit %q: %w", p.MemoryLimit, err)
	}
	for _, size := range []string{p.TmpfsSizeTmp, p.TmpfsSizeWorkspace} {
		if _, err := units.RAMInBytes(size); err != nil {
			return fmt.Errorf("invalid tmpfs size %q: %w", size, err)
		}
	}
	switch p.NetworkMode {
	case "none", "host", "bridge":
	default:
		if !strings.HasPrefix(p.NetworkMode, "container:") {
			return fmt.Errorf("invalid network mode %q", p.NetworkMode)
		}
	}
	return nil
}

// RuntimeFlags renders the policy as docker/podman run flags.
func (p Policy) RuntimeFlags() []string {
	flags := []string{
		"--rm",
		"--interactive",
		"--network", p.NetworkMode,
		"--read-only",
		"--pids-limit", fmt.Sprintf("%d", p.PidsLimit),
		"--memory", p.MemoryLimit,
		"--tmpfs", fmt.Sprintf("/tmp:rw,noexec,nosuid,nodev,size=%s", p.TmpfsSizeTmp),
		"--tmpfs", fmt.Sprintf("/workspace:rw,noexec,nosuid,nodev,size=%s", p.TmpfsSizeWorkspace),
		"--workdir", "/workspace",
		"--security-opt", "no-new-privileges",
		"--user", p.User,
	}
	if p.CPULimit != "" {
		flags = append(flags, "--cpus", p.CPULimit)
	}
	for _, capability := range p.DropCapabilities {
		flags = append(flags, "--cap-drop", capability)
	}
	for _, hostPath := range p.AllowHostPaths {
		flags = append(flags, "-v", fmt.Sprintf("%s:/mnt/%s:ro", hostPath, baseName(hostPath)))
	}
	return flags
}

func baseName(path string) string {
	trimmed := strings.TrimRight(path, "/")
	if i := strings.LastIndexByte(trimmed, '/'); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}
