package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"opendiscovery/internal/engine"
	"opendiscovery/internal/protocol"
	"opendiscovery/internal/session"
	"opendiscovery/pkg/logging"
)

// maxLineBytes bounds a single stdio frame. Large tool results stay well
// under this; anything bigger is a protocol violation.
const maxLineBytes = 16 << 20

// Stdio speaks line-delimited JSON-RPC on stdin/stdout with exactly one
// implicit session per process. Stdout writes are serialized; backpressure
// is plain pipe buffering.
type Stdio struct {
	engine *engine.Engine
	in     io.Reader
	out    io.Writer

	mu      sync.Mutex
	writeMu sync.Mutex
	sess    *session.Session
	started bool
	done    chan struct{}
}

// NewStdio creates the stdio adapter over the process pipes.
func NewStdio(e *engine.Engine) *Stdio {
	return &Stdio{engine: e, in: os.Stdin, out: os.Stdout}
}

// NewStdioPipes creates a stdio adapter over explicit reader/writer pairs.
// Used by tests.
func NewStdioPipes(e *engine.Engine, in io.Reader, out io.Writer) *Stdio {
	return &Stdio{engine: e, in: in, out: out}
}

// Name implements Transport.
func (t *Stdio) Name() string { return "stdio" }

// Start implements Transport. The implicit session is created here; the
// read loop runs until stdin closes or the context is cancelled.
func (t *Stdio) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	sess, err := t.engine.Sessions().Create("stdio")
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("create stdio session: %w", err)
	}
	sess.SetSink(func(msg *protocol.Message) error {
		return t.write(msg)
	})
	t.sess = sess
	t.started = true
	t.done = make(chan struct{})
	t.mu.Unlock()

	go t.readLoop(ctx)
	logging.Info("Stdio", "Listening on stdin")
	return nil
}

// Close implements Transport.
func (t *Stdio) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return nil
	}
	t.started = false
	if t.sess != nil {
		// Ignore the not-found error when the engine already deleted the
		// session through logout.
		_ = t.engine.Sessions().Delete(t.sess.ID)
	}
	return nil
}

func (t *Stdio) readLoop(ctx context.Context) {
	defer close(t.done)

	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var inflight sync.WaitGroup
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			t.handleLine(ctx, line)
		}()
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		logging.Error("Stdio", err, "Read loop failed")
	}
	inflight.Wait()

	// Transport disconnect ends the implicit session.
	t.mu.Lock()
	sess := t.sess
	t.mu.Unlock()
	if sess != nil {
		_ = t.engine.Sessions().Delete(sess.ID)
	}
}

func (t *Stdio) handleLine(ctx context.Context, line []byte) {
	msg, perr := protocol.Parse(line)
	if perr != nil {
		reply := &protocol.Message{JSONRPC: protocol.JSONRPCVersion, Error: perr}
		if err := t.write(reply); err != nil {
			logging.Debug("Stdio", "Write failed: %v", err)
		}
		return
	}

	t.mu.Lock()
	sess := t.sess
	t.mu.Unlock()
	if sess == nil {
		return
	}

	reply := t.engine.Dispatch(ctx, sess, msg)
	if reply == nil {
		return
	}
	if err := t.write(reply); err != nil {
		logging.Debug("Stdio", "Write failed: %v", err)
	}
}

func (t *Stdio) write(msg *protocol.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.out.Write(raw); err != nil {
		return err
	}
	_, err = t.out.Write([]byte("\n"))
	return err
}

// Done returns a channel closed when the read loop has exited. Used by
// tests and graceful shutdown.
func (t *Stdio) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}
