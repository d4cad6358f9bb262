package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"
)

// Stream names the output stream a line was read from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Line is one line of subprocess output without its trailing newline.
// Continued marks a line that was cut at maxLineLength and goes on in the
// next Line of the same stream.
type Line struct {
	Stream    Stream
	Text      string
	Continued bool
}

func (l Line) String() string {
	if l.Stream == Stderr {
		return "[ERR] " + l.Text
	}
	return l.Text
}

// Command describes a subprocess. Env is added on top of the parent
// environment.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  map[string]string
}

func (c Command) environ() []string {
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+c.Env[k])
	}
	return out
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

// Result is the outcome of a subprocess that ran to completion.
type Result struct {
	ExitCode int
	Duration time.Duration
}

// Executor runs subprocesses. A non-zero exit code is reported through
// Result, not as an error; errors mean the process could not be run or was
// cancelled.
type Executor interface {
	Run(ctx context.Context, cmd Command, onLine func(Line)) (Result, error)
}

// ExecExecutor runs commands with os/exec.
type ExecExecutor struct {
	// WaitDelay bounds how long output is drained after the process exits
	// or is killed. Zero means 10 seconds.
	WaitDelay time.Duration
}

// Run starts cmd and calls onLine for every output line. onLine is never
// called concurrently.
func (e ExecExecutor) Run(ctx context.Context, cmd Command, onLine func(Line)) (Result, error) {
	if cmd.Path == "" {
		return Result{}, errors.New("command path is required")
	}

	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = append(os.Environ(), cmd.environ()...)
	c.WaitDelay = e.WaitDelay
	if c.WaitDelay <= 0 {
		c.WaitDelay = 10 * time.Second
	}

	var mu sync.Mutex
	emit := func(l Line) {
		if onLine == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		onLine(l)
	}
	stdout := &lineWriter{stream: Stdout, emit: emit}
	stderr := &lineWriter{stream: Stderr, emit: emit}
	c.Stdout = stdout
	c.Stderr = stderr

	start := time.Now()
	if err := c.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	waitErr := c.Wait()
	stdout.flush()
	stderr.flush()

	res := Result{Duration: time.Since(start)}
	if c.ProcessState != nil {
		res.ExitCode = c.ProcessState.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return res, fmt.Errorf("wait %s: %w", cmd.Path, waitErr)
	}
	return res, nil
}

const maxLineLength = 64 << 10

// lineWriter splits written bytes into lines. Over-long lines are cut.
type lineWriter struct {
	stream Stream
	emit   func(Line)
	buf    bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		chunk := p
		if i >= 0 {
			chunk = p[:i]
		}
		if room := maxLineLength - w.buf.Len(); len(chunk) > room {
			w.buf.Write(chunk[:room])
			w.emitBuffered(true)
			p = p[room:]
			continue
		}
		w.buf.Write(chunk)
		if i < 0 {
			break
		}
		w.flush()
		p = p[i+1:]
	}
	return n, nil
}

func (w *lineWriter) flush() {
	w.emitBuffered(false)
}

func (w *lineWriter) emitBuffered(continued bool) {
	if w.buf.Len() == 0 {
		return
	}
	text := w.buf.String()
	if !continued {
		text = strings.TrimRight(text, "\r")
	}
	w.buf.Reset()
	w.emit(Line{Stream: w.stream, Text: text, Continued: continued})
}

// LogBuffer keeps the most recent output lines of a build.
type LogBuffer struct {
	mu      sync.Mutex
	lines   []Line
	max     int
	dropped int
}

// NewLogBuffer returns a buffer holding at most max lines.
func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 1
	}
	return &LogBuffer{max: max}
}

// Add appends l, evicting the oldest line when full.
func (b *LogBuffer) Add(l Line) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.lines) == b.max {
		copy(b.lines, b.lines[1:])
		b.lines = b.lines[:len(b.lines)-1]
		b.dropped++
	}
	b.lines = append(b.lines, l)
}

// Lines returns a copy of the buffered lines.
func (b *LogBuffer) Lines() []Line {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Line(nil), b.lines...)
}

// String renders the buffer as a log file.
func (b *LogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sb strings.Builder
	if b.dropped > 0 {
		fmt.Fprintf(&sb, "... %d earlier lines dropped\n", b.dropped)
	}
	for _, l := range b.lines {
		sb.WriteString(l.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}
