// Package runtime implements the per-tool execution envelope: argument
// validation, timeout-bounded execution, output size guarding, cancellation
// propagation, and the subprocess sandbox for tools that shell out.
//
// Every invocation produces a well-formed CallToolResult. Tool failures of
// any kind (validation, timeout, non-zero exit, overflow, panic) are
// reported inside the result with IsError set; they never surface as
// JSON-RPC errors.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"opendiscovery/internal/protocol"
	"opendiscovery/internal/registry"
	"opendiscovery/pkg/logging"
)

// Default execution limits. Tools may declare their own timeout override.
const (
	DefaultInProcessTimeout  = 30 * time.Second
	DefaultSubprocessTimeout = 300 * time.Second
	DefaultMaxOutputBytes    = 1 << 20 // 1 MiB per stream
	killGracePeriod          = 2 * time.Second
)

// truncationMarker is appended to output that hit the size cap.
const truncationMarker = "\n... [output truncated]"

// Options configures a Runtime.
type Options struct {
	InProcessTimeout  time.Duration
	SubprocessTimeout time.Duration
	MaxOutputBytes    int
	// Workers bounds concurrent subprocess executions. Zero means
	// 2 x GOMAXPROCS.
	Workers int
}

// Runtime executes tools looked up from the registry.
type Runtime struct {
	reg  *registry.Registry
	opts Options
	pool *semaphore.Weighted

	// inflight tracks running invocations per tool so plugin unload can
	// drain before tearing handlers down.
	mu       sync.Mutex
	inflight map[string]int
}

// New creates a runtime over the given registry.
func New(reg *registry.Registry, opts Options) *Runtime {
	if opts.InProcessTimeout <= 0 {
		opts.InProcessTimeout = DefaultInProcessTimeout
	}
	if opts.SubprocessTimeout <= 0 {
		opts.SubprocessTimeout = DefaultSubprocessTimeout
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers()
	}
	return &Runtime{
		reg:      reg,
		opts:     opts,
		pool:     semaphore.NewWeighted(int64(opts.Workers)),
		inflight: make(map[string]int),
	}
}

// Invoke runs the named tool with raw JSON arguments and always returns a
// CallToolResult. The context carries the caller's cancellation; the runtime
// layers the per-tool deadline on top.
func (rt *Runtime) Invoke(ctx context.Context, name string, rawArgs json.RawMessage) *protocol.CallToolResult {
	tool, err := rt.reg.Lookup(name)
	if err != nil {
		return protocol.ErrorResult(fmt.Sprintf("Unknown tool: %s", name))
	}

	args, err := tool.Validator().ValidateArguments(rawArgs)
	if err != nil {
		return protocol.ErrorResult(fmt.Sprintf("Invalid arguments for %s: %v", name, err))
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		if tool.Subprocess {
			timeout = rt.opts.SubprocessTimeout
		} else {
			timeout = rt.opts.InProcessTimeout
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rt.enter(name)
	defer rt.leave(name)

	started := time.Now()
	result := rt.run(callCtx, tool, args)
	elapsed := time.Since(started)

	if result.IsError {
		logging.Debug("Runtime", "Tool %s failed after %s", name, elapsed)
	} else {
		logging.Debug("Runtime", "Tool %s completed in %s", name, elapsed)
	}
	return rt.guardSize(result)
}

// run executes the handler, converting panics, timeouts and cancellation
// into error results.
func (rt *Runtime) run(ctx context.Context, tool *registry.Tool, args map[string]any) (result *protocol.CallToolResult) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Runtime", fmt.Errorf("%v", r), "Tool %s panicked:\n%s", tool.Name, debug.Stack())
			result = protocol.ErrorResult(fmt.Sprintf("Tool %s failed: internal error", tool.Name))
		}
	}()

	res, err := tool.Handler(ctx, args)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
			return protocol.ErrorResult(fmt.Sprintf("Tool %s timed out (exit code -1)", tool.Name))
		case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
			return protocol.ErrorResult(fmt.Sprintf("Tool %s was cancelled", tool.Name))
		default:
			return protocol.ErrorResult(fmt.Sprintf("Tool %s failed: %v", tool.Name, err))
		}
	}
	if res == nil || len(res.Content) == 0 {
		// The envelope law: content is never empty.
		return protocol.TextResult("(no output)")
	}
	return res
}

// guardSize enforces the output cap on every content item.
func (rt *Runtime) guardSize(result *protocol.CallToolResult) *protocol.CallToolResult {
	max := rt.opts.MaxOutputBytes
	for i := range result.Content {
		if len(result.Content[i].Text) > max {
			result.Content[i].Text = result.Content[i].Text[:max] + truncationMarker
			result.IsError = true
		}
	}
	return result
}

// FormatPayload renders a tool's structured payload as the text body of a
// success result: plain strings pass through, everything else becomes
// pretty-printed JSON.
func FormatPayload(payload any) (*protocol.CallToolResult, error) {
	switch v := payload.(type) {
	case string:
		return protocol.TextResult(v), nil
	default:
		raw, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return protocol.TextResult(string(raw)), nil
	}
}

// DrainTools blocks until no invocation of the named tools is in flight, or
// the context expires.
func (rt *Runtime) DrainTools(ctx context.Context, names []string) error {
	want := make(map[string]bool, len(names))
	for _, name := range names {
		want[name] = true
	}

	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !rt.anyInflight(want) {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("drain timed out: %w", ctx.Err())
		}
	}
}

func (rt *Runtime) anyInflight(want map[string]bool) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for name, count := range rt.inflight {
		if count > 0 && want[name] {
			return true
		}
	}
	return false
}

func (rt *Runtime) enter(name string) {
	rt.mu.Lock()
	rt.inflight[name]++
	rt.mu.Unlock()
}

func (rt *Runtime) leave(name string) {
	rt.mu.Lock()
	rt.inflight[name]--
	if rt.inflight[name] <= 0 {
		delete(rt.inflight, name)
	}
	rt.mu.Unlock()
}
