package script

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/lexcodex/mcpexec/internal/config"
	"github.com/lexcodex/mcpexec/internal/mcpclient"
)

type stubSession struct{}

func (stubSession) CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: `{"value": 42}`}},
	}, nil
}

func (stubSession) ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{
		Tools: []*mcp.Tool{{Name: "echo", Description: "echoes input"}},
	}, nil
}

func (stubSession) Close() error { return nil }

func newTestEngine(t *testing.T) (*Engine, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	cfg, err := config.Parse([]byte(`{"mcpServers": {"alpha": {"command": "srv"}}}`))
	require.NoError(t, err)
	dial := func(ctx context.Context, name string, sc config.ServerConfig) (mcpclient.ToolSession, error) {
		return stubSession{}, nil
	}
	manager := mcpclient.NewManager(cfg, mcpclient.WithDialer(dial))
	t.Cleanup(func() { require.NoError(t, manager.Teardown()) })

	engine := NewEngine(manager)
	var stdout, stderr bytes.Buffer
	engine.SetOutput(&stdout, &stderr)
	return engine, &stdout, &stderr
}

func writeWorkload(t *testing.T, source string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.js")
	require.NoError(t, os.WriteFile(path, []byte(source), 0o644))
	return path
}

func TestRunCallToolBinding(t *testing.T) {
	engine, stdout, _ := newTestEngine(t)
	path := writeWorkload(t, `
		const result = callTool("alpha__echo", {x: 1});
		console.log("value:", result.value);
	`)

	require.NoError(t, engine.Run(context.Background(), path))
	require.Equal(t, "value: 42\n", stdout.String())
}

func TestRunListToolsBinding(t *testing.T) {
	engine, stdout, _ := newTestEngine(t)
	path := writeWorkload(t, `
		const tools = listTools();
		console.log(tools.length, tools[0].identifier);
	`)

	require.NoError(t, engine.Run(context.Background(), path))
	require.Equal(t, "1 alpha__echo\n", stdout.String())
}

func TestRunConsoleError(t *testing.T) {
	engine, stdout, stderr := newTestEngine(t)
	path := writeWorkload(t, `console.error("boom");`)

	require.NoError(t, engine.Run(context.Background(), path))
	require.Empty(t, stdout.String())
	require.Equal(t, "boom\n", stderr.String())
}

// TestRunToolErrorIsCatchable verifies a failing tool call surfaces to the
// workload as a throwable it can recover from.
func TestRunToolErrorIsCatchable(t *testing.T) {
	engine, stdout, _ := newTestEngine(t)
	path := writeWorkload(t, `
		try {
			callTool("alpha__missing", {});
			console.log("not reached");
		} catch (e) {
			console.log("recovered");
		}
	`)

	require.NoError(t, engine.Run(context.Background(), path))
	require.Equal(t, "recovered\n", stdout.String())
}

func TestRunUncaughtToolErrorFailsWorkload(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	path := writeWorkload(t, `callTool("alpha__missing", {});`)

	err := engine.Run(context.Background(), path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "workload failed")
}

// TestRunInterrupt cancels the context while the workload spins and requires
// the VM to stop promptly.
func TestRunInterrupt(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	path := writeWorkload(t, `for (;;) {}`)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := engine.Run(ctx, path)
	require.ErrorIs(t, err, ErrInterrupted)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestRunMissingWorkload(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	err := engine.Run(context.Background(), filepath.Join(t.TempDir(), "absent.js"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "read workload")
}

func TestRunSyntaxError(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	path := writeWorkload(t, `const = broken`)

	err := engine.Run(context.Background(), path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "workload failed")
}
