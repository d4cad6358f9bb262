package toolchain

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecExecutorCapturesStreamsAndExitCode(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	var lines []Line
	res, err := ExecExecutor{}.Run(context.Background(), Command{
		Path: sh,
		Args: []string{"-c", `echo "compiling $FWFORGE_TEST_VALUE"; echo warning >&2; printf partial; exit 3`},
		Dir:  t.TempDir(),
		Env:  map[string]string{"FWFORGE_TEST_VALUE": "main.cpp"},
	}, func(l Line) { lines = append(lines, l) })
	require.NoError(t, err)

	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, lines, Line{Stream: Stdout, Text: "compiling main.cpp"})
	assert.Contains(t, lines, Line{Stream: Stderr, Text: "warning"})
	assert.Contains(t, lines, Line{Stream: Stdout, Text: "partial"})
}

func TestExecExecutorStartFailure(t *testing.T) {
	_, err := ExecExecutor{}.Run(context.Background(), Command{Path: "/nonexistent/fwforge-toolchain"}, nil)
	require.Error(t, err)

	_, err = ExecExecutor{}.Run(context.Background(), Command{}, nil)
	require.Error(t, err)
}

func TestExecExecutorCancel(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = ExecExecutor{WaitDelay: time.Second}.Run(ctx, Command{Path: sh, Args: []string{"-c", "sleep 10"}}, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLineWriterSplitsChunks(t *testing.T) {
	var got []string
	w := &lineWriter{stream: Stdout, emit: func(l Line) { got = append(got, l.Text) }}

	_, _ = w.Write([]byte("Compiling .pio/build/a.o\r\nLink"))
	_, _ = w.Write([]byte("ing firmware.elf\n\nDone"))
	w.flush()

	assert.Equal(t, []string{"Compiling .pio/build/a.o", "Linking firmware.elf", "Done"}, got)
}

func TestLineWriterKeepsLineOfExactlyMaxLength(t *testing.T) {
	var got []Line
	w := &lineWriter{stream: Stdout, emit: func(l Line) { got = append(got, l) }}

	_, _ = w.Write([]byte(strings.Repeat("x", maxLineLength) + "\nnext\n"))

	require.Len(t, got, 2)
	assert.Len(t, got[0].Text, maxLineLength)
	assert.False(t, got[0].Continued)
	assert.Equal(t, Line{Stream: Stdout, Text: "next"}, got[1])
}

func TestLineWriterCutsAcrossWrites(t *testing.T) {
	var got []Line
	w := &lineWriter{stream: Stdout, emit: func(l Line) { got = append(got, l) }}

	_, _ = w.Write([]byte(strings.Repeat("x", maxLineLength)))
	_, _ = w.Write([]byte("y\n"))

	require.Len(t, got, 2)
	assert.True(t, got[0].Continued)
	assert.Equal(t, Line{Stream: Stdout, Text: "y"}, got[1])
}

func TestLineWriterCutsLongLines(t *testing.T) {
	var got []Line
	w := &lineWriter{stream: Stdout, emit: func(l Line) { got = append(got, l) }}

	_, _ = w.Write([]byte(strings.Repeat("x", maxLineLength+10) + "\n"))

	require.Len(t, got, 2)
	assert.Len(t, got[0].Text, maxLineLength)
	assert.True(t, got[0].Continued)
	assert.Len(t, got[1].Text, 10)
	assert.False(t, got[1].Continued)
}

func TestLogBufferKeepsTail(t *testing.T) {
	buf := NewLogBuffer(2)
	buf.Add(Line{Stream: Stdout, Text: "one"})
	buf.Add(Line{Stream: Stderr, Text: "two"})
	buf.Add(Line{Stream: Stdout, Text: "three"})

	assert.Equal(t, []Line{{Stream: Stderr, Text: "two"}, {Stream: Stdout, Text: "three"}}, buf.Lines())
	assert.Equal(t, "... 1 earlier lines dropped\n[ERR] two\nthree\n", buf.String())
}

func TestCommandEnvironIsSorted(t *testing.T) {
	cmd := Command{Path: "platformio", Args: []string{"run", "-e", "esp32c3"}, Env: map[string]string{"B": "2", "A": "1"}}
	assert.Equal(t, []string{"A=1", "B=2"}, cmd.environ())
	assert.Equal(t, "platformio run -e esp32c3", cmd.String())
}
