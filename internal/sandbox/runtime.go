package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrRuntimeUnavailable marks the container engine as unreachable. Fatal for
// an isolated-mode request; direct mode is unaffected.
var ErrRuntimeUnavailable = errors.New("container runtime unavailable")

const verifyTimeout = 10 * time.Second

// DetectRuntime resolves the container runtime binary. An explicit "docker"
// or "podman" preference must exist in PATH; "auto" (or empty) prefers
// podman, then docker.
func DetectRuntime(preferred string) (string, error) {
	switch preferred {
	case "", "auto":
		for _, candidate := range []string{"podman", "docker"} {
			if path, err := exec.LookPath(candidate); err == nil {
				return path, nil
			}
		}
		return "", fmt.Errorf("%w: neither podman nor docker found in PATH", ErrRuntimeUnavailable)
	case "docker", "podman":
		path, err := exec.LookPath(preferred)
		if err != nil {
			return "", fmt.Errorf("%w: %q not found in PATH", ErrRuntimeUnavailable, preferred)
		}
		return path, nil
	default:
		return "", fmt.Errorf("unsupported container runtime %q", preferred)
	}
}

// verifyRuntime ensures the engine answers a basic info command before any
// container is launched. Podman gets one machine start/init recovery attempt
// since desktop installs routinely leave the machine stopped.
func verifyRuntime(ctx context.Context, runtimePath string, log *logrus.Logger) error {
	name := filepath.Base(runtimePath)
	var lastOutput string
	for attempt := 0; attempt < 3; attempt++ {
		output, err := runtimeCommand(ctx, runtimePath, "info", "--format", "{{json .}}")
		if err == nil {
			return nil
		}
		lastOutput = output
		if name != "podman" || !needsMachine(output) {
			return fmt.Errorf("%w: %s verification failed: %s", ErrRuntimeUnavailable, name, firstLine(output))
		}

		log.Info("starting podman machine")
		startOutput, startErr := runtimeCommand(ctx, runtimePath, "machine", "start")
		if startErr == nil {
			continue
		}
		if strings.Contains(strings.ToLower(startOutput), "does not exist") ||
			strings.Contains(strings.ToLower(startOutput), "no such machine") {
			log.Info("initializing podman machine")
			if _, initErr := runtimeCommand(ctx, runtimePath, "machine", "init"); initErr != nil {
				return fmt.Errorf("%w: podman machine init failed", ErrRuntimeUnavailable)
			}
			continue
		}
		return fmt.Errorf("%w: podman machine start failed: %s", ErrRuntimeUnavailable, firstLine(startOutput))
	}
	return fmt.Errorf("%w: %s not ready after machine recovery: %s", ErrRuntimeUnavailable, name, firstLine(lastOutput))
}

func needsMachine(output string) bool {
	lowered := strings.ToLower(output)
	for _, phrase := range []string{
		"cannot connect to podman",
		"podman machine",
		"run the podman machine",
		"socket: connect",
	} {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}

// ensureImage checks the image exists locally and pulls it on a miss.
func ensureImage(ctx context.Context, runtimePath, image string, log *logrus.Logger) error {
	if _, err := runtimeCommand(ctx, runtimePath, "image", "inspect", image); err == nil {
		return nil
	}
	log.WithField("image", image).Info("pulling container image")
	pullCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	cmd := exec.CommandContext(pullCtx, runtimePath, "pull", image)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pull image %s: %s", image, firstLine(output.String()))
	}
	return nil
}

// runtimeCommand runs a short engine command with a bounded timeout so
// verification can never hang an execution request.
func runtimeCommand(ctx context.Context, runtimePath string, args ...string) (string, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()
	cmd := exec.CommandContext(cmdCtx, runtimePath, args...)
	output, err := cmd.CombinedOutput()
	return string(output), err
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
