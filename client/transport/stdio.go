package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gate4ai/mcp-client/shared"
)

const (
	// stdioMaxLineSize bounds one newline-delimited message.
	stdioMaxLineSize = 16 * 1024 * 1024

	killGrace = 5 * time.Second
)

// Stdio runs the server as a child process and exchanges newline-delimited
// JSON-RPC over its stdin/stdout. Stderr is captured for diagnostics.
type Stdio struct {
	cfg    *Config
	logger *zap.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	receiver Receiver
	pid      int
	alive    bool
	done     chan struct{}
	exited   chan struct{}

	stderrMu   sync.Mutex
	stderrTail []string
}

var _ Transport = (*Stdio)(nil)

func NewStdio(cfg *Config, logger *zap.Logger) *Stdio {
	return &Stdio{
		cfg:    cfg,
		logger: logger.With(zap.String("transport", "stdio"), zap.String("command", cfg.Command)),
	}
}

func (t *Stdio) SetReceiver(r Receiver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receiver = r
}

func (t *Stdio) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.alive {
		return nil
	}
	if t.receiver == nil {
		return fmt.Errorf("no receiver installed")
	}

	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	cmd.Dir = t.cfg.WorkDir
	cmd.Env = mergeEnv(os.Environ(), t.cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return shared.NewTransportError("stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return shared.NewTransportError("stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return shared.NewTransportError("stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return shared.NewTransportError("start process", err)
	}
	t.logger.Debug("Server process started", zap.Int("pid", cmd.Process.Pid))

	t.cmd = cmd
	t.stdin = stdin
	t.pid = os.Getpid()
	t.alive = true
	t.done = make(chan struct{})
	t.exited = make(chan struct{})

	go t.readLoop(stdout, t.receiver, t.done)
	go t.drainStderr(stderr)
	go t.waitExit(cmd, t.done, t.exited)

	return nil
}

func (t *Stdio) readLoop(stdout io.Reader, receiver Receiver, done chan struct{}) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), stdioMaxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msgs, err := shared.ParseMessages(t.SessionID(), line)
		if err != nil {
			t.logger.Warn("Dropping unparsable message from server", zap.Error(err))
			continue
		}
		for _, msg := range msgs {
			receiver.ReceiveMessage(msg)
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case <-done:
			// Expected during shutdown.
		default:
			t.logger.Warn("Stdout read failed", zap.Error(err))
		}
	}
}

// drainStderr keeps the last lines of the server's stderr for error
// reports.
func (t *Stdio) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		t.logger.Debug("Server stderr", zap.String("line", line))
		t.stderrMu.Lock()
		t.stderrTail = append(t.stderrTail, line)
		if len(t.stderrTail) > 20 {
			t.stderrTail = t.stderrTail[1:]
		}
		t.stderrMu.Unlock()
	}
}

func (t *Stdio) waitExit(cmd *exec.Cmd, done, exited chan struct{}) {
	err := cmd.Wait()
	close(exited)

	t.mu.Lock()
	// A Close for a newer process may have replaced the state.
	if t.cmd == cmd {
		t.alive = false
	}
	t.mu.Unlock()

	select {
	case <-done:
		return
	default:
	}
	fields := []zap.Field{zap.Int("pid", cmd.Process.Pid)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if tail := t.StderrTail(); tail != "" {
		fields = append(fields, zap.String("stderr", tail))
	}
	t.logger.Warn("Server process exited unexpectedly", fields...)
}

// StderrTail returns the captured tail of the server's stderr output.
func (t *Stdio) StderrTail() string {
	t.stderrMu.Lock()
	defer t.stderrMu.Unlock()
	return strings.Join(t.stderrTail, "\n")
}

func (t *Stdio) Send(ctx context.Context, msg *shared.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.alive || t.stdin == nil || t.pid != os.Getpid() {
		return shared.NewTransportError("send", fmt.Errorf("transport is not connected"))
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return shared.NewTransportError("send", err)
	}
	return nil
}

// Alive reports false after a fork: the child must not write to the
// parent's pipes.
func (t *Stdio) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alive && t.pid == os.Getpid()
}

// SessionID is empty for stdio; the process itself is the session.
func (t *Stdio) SessionID() string { return "" }

func (t *Stdio) SetProtocolVersion(string) {}

// Close closes stdin to let the server exit cleanly, then kills it after a
// grace period.
func (t *Stdio) Close() error {
	t.mu.Lock()
	cmd := t.cmd
	stdin := t.stdin
	done := t.done
	exited := t.exited
	t.cmd = nil
	t.stdin = nil
	t.alive = false
	t.mu.Unlock()

	if cmd == nil {
		return nil
	}
	if done != nil {
		close(done)
	}
	if stdin != nil {
		_ = stdin.Close()
	}

	select {
	case <-exited:
	case <-time.After(killGrace):
		t.logger.Warn("Server did not exit, killing", zap.Int("pid", cmd.Process.Pid))
		_ = cmd.Process.Kill()
		<-exited
	}
	return nil
}

// mergeEnv overlays extra variables onto the inherited environment.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, overridden := extra[key]; overridden {
			continue
		}
		merged = append(merged, kv)
	}
	for key, value := range extra {
		merged = append(merged, key+"="+value)
	}
	return merged
}
