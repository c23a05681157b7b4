// Package script runs JavaScript workloads in-process, exposing the MCP
// call router to the workload through host bindings.
package script

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dop251/goja"

	"github.com/lexcodex/mcpexec/internal/mcpclient"
)

// ErrInterrupted reports that the workload was stopped by cancellation.
var ErrInterrupted = errors.New("workload interrupted")

// Engine evaluates one workload file against a tool manager. Bindings:
//
//	callTool(identifier, args) -> normalized result (throws on error)
//	listTools()                -> [{server, name, identifier, description}]
//	console.log / console.error
//
// The workload runs on the calling goroutine; cancellation of ctx interrupts
// the VM mid-execution.
type Engine struct {
	manager *mcpclient.Manager
	stdout  io.Writer
	stderr  io.Writer
}

// NewEngine wires an engine to a manager. Output defaults to the process
// stdout/stderr.
func NewEngine(manager *mcpclient.Manager) *Engine {
	return &Engine{manager: manager, stdout: os.Stdout, stderr: os.Stderr}
}

// SetOutput redirects workload output, mainly for tests.
func (e *Engine) SetOutput(stdout, stderr io.Writer) {
	e.stdout = stdout
	e.stderr = stderr
}

// Run executes the workload file to completion or interruption.
func (e *Engine) Run(ctx context.Context, path string) error {
	source, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read workload: %w", err)
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.UncapFieldNameMapper())

	if err := e.bind(ctx, vm); err != nil {
		return err
	}

	// Interrupt the VM when the caller cancels; goja checks the interrupt
	// flag between instructions.
	watchdog := make(chan struct{})
	defer close(watchdog)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ErrInterrupted)
		case <-watchdog:
		}
	}()

	if _, err := vm.RunScript(path, string(source)); err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return ErrInterrupted
		}
		return fmt.Errorf("workload failed: %w", err)
	}
	return nil
}

func (e *Engine) bind(ctx context.Context, vm *goja.Runtime) error {
	callTool := func(identifier string, args map[string]any) (any, error) {
		return e.manager.CallTool(ctx, identifier, args)
	}
	if err := vm.Set("callTool", callTool); err != nil {
		return err
	}

	listTools := func() ([]map[string]any, error) {
		infos, err := e.manager.ListAllTools(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, 0, len(infos))
		for _, info := range infos {
			out = append(out, map[string]any{
				"server":      info.Server,
				"name":        info.Name,
				"identifier":  info.Identifier(),
				"description": info.Description,
			})
		}
		return out, nil
	}
	if err := vm.Set("listTools", listTools); err != nil {
		return err
	}

	console := vm.NewObject()
	if err := console.Set("log", e.printer(e.stdout)); err != nil {
		return err
	}
	if err := console.Set("error", e.printer(e.stderr)); err != nil {
		return err
	}
	return vm.Set("console", console)
}

func (e *Engine) printer(w io.Writer) func(call goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		for i, arg := range call.Arguments {
			if i > 0 {
				fmt.Fprint(w, " ")
			}
			fmt.Fprint(w, arg.String())
		}
		fmt.Fprintln(w)
		return goja.Undefined()
	}
}
