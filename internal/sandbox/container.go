// Package sandbox executes workloads inside a resource-isolated container
// driven by an external runtime binary (docker or podman). Each execution
// request moves through an explicit state machine and guarantees teardown of
// the spawned child and its ephemeral mounts on every exit path.
package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/lexcodex/mcpexec/internal/config"
	"github.com/lexcodex/mcpexec/internal/telemetry"
)

// State tracks one execution request. Completed, TimedOut, and Failed are
// terminal.
type State string

const (
	StatePreparing State = "preparing"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateTimedOut  State = "timed_out"
	StateFailed    State = "failed"
)

// Result is the outcome of one isolated run. Constructed once; never mutated
// after Execute returns.
type Result struct {
	State    State
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// exitCodeTimeout is the conventional timeout exit status (coreutils timeout).
const exitCodeTimeout = 124

// Sandbox launches constrained containers. The zero value is not usable;
// construct with New.
type Sandbox struct {
	runtimePath string
	image       string
	policy      Policy
	log         *logrus.Logger
	tel         telemetry.Telemetry

	// SelfBinary is mounted into the container and re-invoked there, so the
	// isolation boundary wraps a full copy of the dispatch stack. Defaults
	// to the current executable.
	SelfBinary string

	// ScratchRoot is where ephemeral staging directories are created.
	// Defaults to the system temp directory.
	ScratchRoot string
}

// New validates the policy and resolves the container runtime. Both checks
// happen here so a bad request never reaches the running state.
func New(cfg config.SandboxConfig, policy Policy, opts ...SandboxOption) (*Sandbox, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("isolation policy: %w", err)
	}
	runtimePath, err := DetectRuntime(cfg.Runtime)
	if err != nil {
		return nil, err
	}
	s := &Sandbox{
		runtimePath: runtimePath,
		image:       cfg.Image,
		policy:      policy,
		log:         logrus.StandardLogger(),
		tel:         telemetry.Noop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.SelfBinary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve own binary: %w", err)
		}
		s.SelfBinary = self
	}
	return s, nil
}

// SandboxOption customizes a Sandbox.
type SandboxOption func(*Sandbox)

// WithRuntimePath overrides the detected runtime binary.
func WithRuntimePath(path string) SandboxOption {
	return func(s *Sandbox) { s.runtimePath = path }
}

// WithLogger replaces the default logger.
func WithLogger(log *logrus.Logger) SandboxOption {
	return func(s *Sandbox) { s.log = log }
}

// WithTelemetry attaches an event sink.
func WithTelemetry(sink telemetry.Telemetry) SandboxOption {
	return func(s *Sandbox) { s.tel = sink }
}

// Execute runs the workload script inside a constrained container.
//
// PREPARING verifies the runtime, ensures the image, and materializes the
// workload plus a sanitized configuration into an ephemeral scratch
// directory mounted read-only. RUNNING spawns the child under the policy's
// limits with a per-run container name used for forced cleanup. The deadline
// starts at spawn; on expiry the child is forcibly terminated and whatever
// output was captured so far is preserved. Cleanup of the child and the
// scratch directory runs exactly once on every exit path.
func (s *Sandbox) Execute(ctx context.Context, scriptPath string, cfg *config.Config) (Result, error) {
	start := time.Now()
	result := Result{State: StatePreparing}

	if _, err := os.Stat(scriptPath); err != nil {
		result.State = StateFailed
		return result, fmt.Errorf("workload not found: %w", err)
	}
	if err := verifyRuntime(ctx, s.runtimePath, s.log); err != nil {
		result.State = StateFailed
		return result, err
	}
	if err := ensureImage(ctx, s.runtimePath, s.image, s.log); err != nil {
		result.State = StateFailed
		return result, err
	}

	runID, err := newRunID()
	if err != nil {
		result.State = StateFailed
		return result, err
	}
	containerName := "mcpexec-run-" + runID

	scratch, err := s.stageScratch(scriptPath, cfg)
	if err != nil {
		result.State = StateFailed
		return result, err
	}
	cleaned := false
	cleanup := func() {
		if cleaned {
			return
		}
		cleaned = true
		s.forceRemove(containerName)
		if err := os.RemoveAll(scratch); err != nil {
			s.log.WithError(err).Warn("scratch cleanup failed")
		}
	}
	defer cleanup()

	scriptName := filepath.Base(scriptPath)
	args := s.buildArgs(containerName, scratch, scriptName, cfg != nil)

	s.tel.Emit(telemetry.Event{Type: telemetry.EventSandboxStart, Message: containerName, Timestamp: time.Now()})
	s.log.WithFields(logrus.Fields{
		"container": containerName,
		"image":     s.image,
		"timeout":   s.policy.Timeout,
	}).Info("spawning isolated workload")

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(s.runtimePath, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		result.State = StateFailed
		return result, fmt.Errorf("spawn container: %w", err)
	}
	result.State = StateRunning

	runCtx, cancel := context.WithTimeout(ctx, s.policy.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case waitErr := <-done:
		result.ExitCode = exitStatus(waitErr)
		result.State = StateCompleted
	case <-runCtx.Done():
		// Forced-termination path, shared by deadline expiry and caller
		// cancellation. Remove the named container first so the engine
		// reaps the child, then make sure our wait returns.
		s.forceRemove(containerName)
		_ = cmd.Process.Kill()
		<-done
		if ctx.Err() != nil {
			result.State = StateFailed
			result.fill(stdout.String(), stderr.String(), time.Since(start))
			s.emitFinish(result)
			return result, ctx.Err()
		}
		result.State = StateTimedOut
		result.TimedOut = true
		result.ExitCode = exitCodeTimeout
		s.log.WithField("timeout", s.policy.Timeout).Warn("execution timed out, container removed")
	}

	result.fill(stdout.String(), stderr.String(), time.Since(start))
	s.emitFinish(result)
	return result, nil
}

func (r *Result) fill(stdout, stderr string, elapsed time.Duration) {
	r.Stdout = stdout
	r.Stderr = stderr
	r.Duration = elapsed
}

func (s *Sandbox) emitFinish(result Result) {
	event := telemetry.Event{
		Type:      telemetry.EventSandboxFinish,
		Message:   string(result.State),
		Duration:  result.Duration,
		Timestamp: time.Now(),
	}
	s.tel.Emit(event)
}

// stageScratch materializes the workload and a sanitized configuration into
// an ephemeral directory. The staged config always has isolation disabled so
// the inner runtime takes the direct path instead of recursing.
func (s *Sandbox) stageScratch(scriptPath string, cfg *config.Config) (string, error) {
	root := s.ScratchRoot
	if root == "" {
		root = os.TempDir()
	}
	scratch, err := os.MkdirTemp(root, "mcpexec-scratch-")
	if err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}

	data, err := os.ReadFile(scriptPath)
	if err != nil {
		os.RemoveAll(scratch)
		return "", fmt.Errorf("read workload: %w", err)
	}
	if err := os.WriteFile(filepath.Join(scratch, filepath.Base(scriptPath)), data, 0o444); err != nil {
		os.RemoveAll(scratch)
		return "", fmt.Errorf("stage workload: %w", err)
	}

	if cfg != nil {
		sanitized := *cfg
		sanitized.Sandbox.Enabled = false
		encoded, err := yaml.Marshal(&sanitized)
		if err != nil {
			os.RemoveAll(scratch)
			return "", fmt.Errorf("stage config: %w", err)
		}
		if err := os.WriteFile(filepath.Join(scratch, config.DefaultPath), encoded, 0o444); err != nil {
			os.RemoveAll(scratch)
			return "", fmt.Errorf("stage config: %w", err)
		}
	}
	return scratch, nil
}

// buildArgs assembles the full run invocation: policy flags, read-only
// mounts for the staged workload, config, and the runtime binary itself, and
// the inner command that re-runs the dispatch stack against the workload.
func (s *Sandbox) buildArgs(containerName, scratch, scriptName string, withConfig bool) []string {
	args := []string{"run", "--name", containerName}
	args = append(args, s.policy.RuntimeFlags()...)
	args = append(args,
		"--env", "HOME=/workspace",
		"-v", fmt.Sprintf("%s:/workspace/%s:ro", filepath.Join(scratch, scriptName), scriptName),
		"-v", fmt.Sprintf("%s:/usr/local/bin/mcpexec:ro", s.SelfBinary),
	)
	if withConfig {
		args = append(args,
			"-v", fmt.Sprintf("%s:/workspace/%s:ro", filepath.Join(scratch, config.DefaultPath), config.DefaultPath),
		)
	}
	args = append(args, s.image, "/usr/local/bin/mcpexec", "run", "/workspace/"+scriptName)
	return args
}

// forceRemove removes the named container. Missing containers are fine; the
// --rm flag usually beats us to it.
func (s *Sandbox) forceRemove(containerName string) {
	ctx, cancel := context.WithTimeout(context.Background(), verifyTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, s.runtimePath, "rm", "-f", containerName)
	if output, err := cmd.CombinedOutput(); err != nil {
		s.log.WithField("container", containerName).Debugf("container removal: %s", firstLine(string(output)))
	}
}

func newRunID() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

func exitStatus(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if exit, ok := waitErr.(*exec.ExitError); ok {
		return exit.ExitCode()
	}
	return 1
}
