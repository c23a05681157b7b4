package harness

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func directConfig(t *testing.T) string {
	t.Helper()
	return writeFile(t, t.TempDir(), "mcp_config.json",
		`{"mcpServers": {"alpha": {"command": "srv"}}}`)
}

// installStubEngine puts a fake "docker" on PATH that accepts the verify,
// image, and removal commands and runs the given body for "run".
func installStubEngine(t *testing.T, runBody string) {
	t.Helper()
	dir := t.TempDir()
	script := fmt.Sprintf(`#!/bin/sh
PATH=/usr/bin:/bin
case "$1" in
  info|image|pull|rm) exit 0 ;;
  run) %s ;;
esac
exit 0
`, runBody)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docker"), []byte(script), 0o755))
	t.Setenv("PATH", dir)
}

func TestRunDirectCompleted(t *testing.T) {
	dir := t.TempDir()
	script := writeFile(t, dir, "job.js", `console.log("done");`)

	var stdout bytes.Buffer
	code := Run(context.Background(), Options{
		ScriptPath: script,
		ConfigPath: directConfig(t),
		Stdout:     &stdout,
		Stderr:     io.Discard,
		Log:        quietLogger(),
	})
	require.Equal(t, ExitOK, code)
	require.Equal(t, "done\n", stdout.String())
}

func TestRunDirectWorkloadFailure(t *testing.T) {
	dir := t.TempDir()
	script := writeFile(t, dir, "job.js", `throw new Error("boom");`)

	code := Run(context.Background(), Options{
		ScriptPath: script,
		ConfigPath: directConfig(t),
		Stdout:     io.Discard,
		Stderr:     io.Discard,
		Log:        quietLogger(),
	})
	require.Equal(t, ExitFailure, code)
}

func TestRunMissingWorkload(t *testing.T) {
	code := Run(context.Background(), Options{
		ScriptPath: filepath.Join(t.TempDir(), "absent.js"),
		ConfigPath: directConfig(t),
		Log:        quietLogger(),
	})
	require.Equal(t, ExitFailure, code)
}

func TestRunBadConfig(t *testing.T) {
	dir := t.TempDir()
	script := writeFile(t, dir, "job.js", `console.log("x");`)
	badConfig := writeFile(t, dir, "mcp_config.json", `{"mcpServers": {}}`)

	code := Run(context.Background(), Options{
		ScriptPath: script,
		ConfigPath: badConfig,
		Log:        quietLogger(),
	})
	require.Equal(t, ExitFailure, code)
}

// TestRunDirectInterrupted cancels the caller context while the workload
// spins and expects the interrupt exit code.
func TestRunDirectInterrupted(t *testing.T) {
	dir := t.TempDir()
	script := writeFile(t, dir, "job.js", `for (;;) {}`)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	code := Run(ctx, Options{
		ScriptPath: script,
		ConfigPath: directConfig(t),
		Stdout:     io.Discard,
		Stderr:     io.Discard,
		Log:        quietLogger(),
	})
	require.Equal(t, ExitInterrupt, code)
}

// TestRunIsolatedFlag forces isolation even though the configuration leaves
// it disabled, and checks the container output is forwarded.
func TestRunIsolatedFlag(t *testing.T) {
	installStubEngine(t, `echo "from container"; exit 0`)
	dir := t.TempDir()
	script := writeFile(t, dir, "job.js", `console.log("unused");`)
	configPath := writeFile(t, dir, "mcp_config.json", `{
		"mcpServers": {"alpha": {"command": "srv"}},
		"sandbox": {"runtime": "docker"}
	}`)

	var stdout bytes.Buffer
	code := Run(context.Background(), Options{
		ScriptPath:  script,
		ConfigPath:  configPath,
		SandboxFlag: true,
		Stdout:      &stdout,
		Stderr:      io.Discard,
		Log:         quietLogger(),
	})
	require.Equal(t, ExitOK, code)
	require.Contains(t, stdout.String(), "from container")
}

func TestRunIsolatedEnabledByConfig(t *testing.T) {
	installStubEngine(t, `exit 9`)
	dir := t.TempDir()
	script := writeFile(t, dir, "job.js", ``)
	configPath := writeFile(t, dir, "mcp_config.json", `{
		"mcpServers": {"alpha": {"command": "srv"}},
		"sandbox": {"enabled": true, "runtime": "docker"}
	}`)

	code := Run(context.Background(), Options{
		ScriptPath: script,
		ConfigPath: configPath,
		Stdout:     io.Discard,
		Stderr:     io.Discard,
		Log:        quietLogger(),
	})
	require.Equal(t, 9, code, "non-zero container exit propagates as the process exit code")
}

func TestRunIsolatedTimeout(t *testing.T) {
	installStubEngine(t, `echo partial; exec sleep 30`)
	dir := t.TempDir()
	script := writeFile(t, dir, "job.js", ``)
	configPath := writeFile(t, dir, "mcp_config.json", `{
		"mcpServers": {"alpha": {"command": "srv"}},
		"sandbox": {"enabled": true, "runtime": "docker", "timeout": 1}
	}`)

	var stdout bytes.Buffer
	code := Run(context.Background(), Options{
		ScriptPath: script,
		ConfigPath: configPath,
		Stdout:     &stdout,
		Stderr:     io.Discard,
		Log:        quietLogger(),
	})
	require.Equal(t, ExitTimeout, code)
	require.Contains(t, stdout.String(), "partial")
}

func TestRunIsolatedTimeoutOverrideBounded(t *testing.T) {
	installStubEngine(t, `exit 0`)
	dir := t.TempDir()
	script := writeFile(t, dir, "job.js", ``)
	configPath := writeFile(t, dir, "mcp_config.json", `{
		"mcpServers": {"alpha": {"command": "srv"}},
		"sandbox": {"enabled": true, "runtime": "docker", "maxTimeout": 60}
	}`)

	code := Run(context.Background(), Options{
		ScriptPath: script,
		ConfigPath: configPath,
		Timeout:    10 * time.Minute, // above the configured maximum
		Stdout:     io.Discard,
		Stderr:     io.Discard,
		Log:        quietLogger(),
	})
	require.Equal(t, ExitFailure, code, "an override above the maximum is rejected, not clamped")
}

func TestRunIsolatedRuntimeMissing(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	dir := t.TempDir()
	script := writeFile(t, dir, "job.js", ``)
	configPath := writeFile(t, dir, "mcp_config.json", `{
		"mcpServers": {"alpha": {"command": "srv"}},
		"sandbox": {"enabled": true}
	}`)

	code := Run(context.Background(), Options{
		ScriptPath: script,
		ConfigPath: configPath,
		Stdout:     io.Discard,
		Stderr:     io.Discard,
		Log:        quietLogger(),
	})
	require.Equal(t, ExitFailure, code)
}

func TestRunTelemetryFileWritten(t *testing.T) {
	dir := t.TempDir()
	script := writeFile(t, dir, "job.js", `console.log("x");`)
	telemetryPath := filepath.Join(dir, "events.ndjson")
	configPath := writeFile(t, dir, "mcp_config.json", fmt.Sprintf(`{
		"mcpServers": {"alpha": {"command": "srv"}},
		"telemetry": {"file": %q}
	}`, telemetryPath))

	code := Run(context.Background(), Options{
		ScriptPath: script,
		ConfigPath: configPath,
		Stdout:     io.Discard,
		Stderr:     io.Discard,
		Log:        quietLogger(),
	})
	require.Equal(t, ExitOK, code)
	_, err := os.Stat(telemetryPath)
	require.NoError(t, err)
}
