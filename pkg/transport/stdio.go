package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wayfarerhq/wayfarer/pkg/protocol"
)

// maxFrameSize bounds a single line frame read from a server's stdout.
const maxFrameSize = 10 * 1024 * 1024

// stderrTailSize bounds how much server stderr is retained for
// diagnostics.
const stderrTailSize = 4096

// Stdio is the subprocess transport: it spawns the configured command
// and exchanges newline-delimited JSON frames over its stdin/stdout.
type Stdio struct {
	command string
	args    []string
	env     map[string]string
	logger  zerolog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	frames chan Frame
	stderr *tailBuffer

	writeMu sync.Mutex

	exitMu  sync.RWMutex
	exited  bool
	exitErr error

	closeOnce sync.Once
	closed    chan struct{}
}

// NewStdio builds a subprocess transport. The command is not launched
// until Open.
func NewStdio(command string, args []string, env map[string]string, logger zerolog.Logger) *Stdio {
	return &Stdio{
		command: command,
		args:    args,
		env:     env,
		logger:  logger,
		frames:  make(chan Frame, receiveBufferSize),
		stderr:  newTailBuffer(stderrTailSize),
		closed:  make(chan struct{}),
	}
}

// Open launches the subprocess and starts the read loop.
func (t *Stdio) Open(ctx context.Context) error {
	command := strings.TrimSpace(t.command)
	if command == "" {
		return protocol.NewError(protocol.KindConnect, "", "process transport requires a command")
	}

	cmd := exec.Command(command, t.args...)
	cmd.Env = mergeEnv(t.env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return protocol.WrapError(protocol.KindConnect, "", fmt.Errorf("create stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return protocol.WrapError(protocol.KindConnect, "", fmt.Errorf("create stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return protocol.WrapError(protocol.KindConnect, "", fmt.Errorf("create stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return protocol.WrapError(protocol.KindConnect, "", fmt.Errorf("start %q: %w", command, err))
	}

	t.cmd = cmd
	t.stdin = stdin

	// Drain stderr to avoid blocking the child; keep a bounded tail.
	go io.Copy(t.stderr, stderr)
	go func() {
		err := cmd.Wait()
		t.markExited(err)
	}()
	go t.readLoop(stdout)

	t.logger.Debug().Str("command", command).Int("pid", cmd.Process.Pid).Msg("Process transport opened")
	return nil
}

func (t *Stdio) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		data := make([]byte, len(line))
		copy(data, line)
		select {
		case t.frames <- Frame{Data: data}:
		case <-t.closed:
			close(t.frames)
			return
		}
	}

	// Stdout drained. Distinguish a deliberate close from the peer
	// disappearing; an unexpected exit must surface as an error, not
	// as silent EOF.
	select {
	case <-t.closed:
		close(t.frames)
		return
	default:
	}

	t.waitForExit(500 * time.Millisecond)
	err := scanner.Err()
	if err == nil {
		err = fmt.Errorf("process exited unexpectedly")
	}
	if exitErr := t.exitError(); exitErr != nil {
		err = fmt.Errorf("%w: %v", err, exitErr)
	}
	if tail := strings.TrimSpace(t.stderr.String()); tail != "" {
		err = fmt.Errorf("%w; stderr: %s", err, tail)
	}
	t.frames <- Frame{Err: protocol.WrapError(protocol.KindConnectionLost, "", err)}
	close(t.frames)
}

// Send writes one frame followed by a newline.
func (t *Stdio) Send(ctx context.Context, frame []byte) error {
	select {
	case <-t.closed:
		return protocol.NewError(protocol.KindConnectionLost, "", "transport closed")
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := t.exitError(); err != nil {
		return protocol.WrapError(protocol.KindConnectionLost, "", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(append(frame, '\n')); err != nil {
		return protocol.WrapError(protocol.KindConnectionLost, "", fmt.Errorf("write frame: %w", err))
	}
	return nil
}

// Frames yields received messages.
func (t *Stdio) Frames() <-chan Frame {
	return t.frames
}

// Close terminates the subprocess and releases its pipes. Idempotent.
func (t *Stdio) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.stdin != nil {
			_ = t.stdin.Close()
		}
		if t.cmd != nil && t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
		t.waitForExit(time.Second)
	})
	return nil
}

func (t *Stdio) markExited(err error) {
	t.exitMu.Lock()
	defer t.exitMu.Unlock()
	if t.exited {
		return
	}
	t.exited = true
	t.exitErr = err
}

func (t *Stdio) exitError() error {
	t.exitMu.RLock()
	defer t.exitMu.RUnlock()
	if !t.exited {
		return nil
	}
	if t.exitErr == nil {
		return fmt.Errorf("process exited")
	}
	return fmt.Errorf("process exited: %w", t.exitErr)
}

func (t *Stdio) waitForExit(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		t.exitMu.RLock()
		exited := t.exited
		t.exitMu.RUnlock()
		if exited {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// mergeEnv overlays configured variables on the parent environment.
func mergeEnv(extra map[string]string) []string {
	base := os.Environ()
	if len(extra) == 0 {
		return base
	}

	merged := make(map[string]string, len(base)+len(extra))
	for _, item := range base {
		parts := strings.SplitN(item, "=", 2)
		value := ""
		if len(parts) == 2 {
			value = parts[1]
		}
		merged[parts[0]] = value
	}
	for key, value := range extra {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		merged[key] = value
	}

	out := make([]string, 0, len(merged))
	for key, value := range merged {
		out = append(out, key+"="+value)
	}
	return out
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = append([]byte(nil), b.buf[len(b.buf)-b.max:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
