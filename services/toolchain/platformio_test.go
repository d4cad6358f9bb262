package toolchain

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fwforge/services/builds"
	"fwforge/services/catalog"
)

type fakeExecutor struct {
	mu       sync.Mutex
	commands []Command
	handle   func(cmd Command, onLine func(Line)) (Result, error)
}

func (f *fakeExecutor) Run(_ context.Context, cmd Command, onLine func(Line)) (Result, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()
	return f.handle(cmd, onLine)
}

func (f *fakeExecutor) Commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.commands...)
}

func TestVariables(t *testing.T) {
	src := &catalog.Source{Repo: "owner/fw", Version: "v1.2.0", Official: true}
	req := builds.Request{Board: "esp32c3", Values: map[string]any{"imus": []any{"BMI160"}}}

	vars, err := Variables(src, req)
	require.NoError(t, err)
	assert.Equal(t, []Variable{
		{Name: "FIRMWARE_VERSION", Value: "1.2.0"},
		{Name: "GIT_REV", Value: "v1.2.0"},
		{Name: "SLIMEVR_OVERRIDE_DEFAULTS", Value: `{"imus":["BMI160"]}`},
	}, vars)

	unofficial := &catalog.Source{Repo: "fork/fw", Version: "0a1b2c3"}
	vars, err = Variables(unofficial, builds.Request{Board: "esp32c3"})
	require.NoError(t, err)
	assert.Equal(t, []Variable{
		{Name: "GIT_REV", Value: "0a1b2c3"},
		{Name: "SLIMEVR_OVERRIDE_DEFAULTS", Value: `{}`},
	}, vars)
}

func TestVariablesUnwrapBoardDefaultsEntry(t *testing.T) {
	src := &catalog.Source{Repo: "owner/fw", Version: "v1.2.0"}
	req := builds.Request{Board: "esp32c3", Values: map[string]any{
		"values":        map[string]any{"imus": []any{"BMI160"}, "led": true},
		"flashingRules": map[string]any{"applicationOffset": 65536},
	}}

	vars, err := Variables(src, req)
	require.NoError(t, err)
	assert.Equal(t, []Variable{
		{Name: "GIT_REV", Value: "v1.2.0"},
		{Name: "SLIMEVR_OVERRIDE_DEFAULTS", Value: `{"imus":["BMI160"],"led":true}`},
	}, vars)
}

func TestPlatformIOBuildExportsExactEnvironment(t *testing.T) {
	exec := &fakeExecutor{handle: func(Command, func(Line)) (Result, error) { return Result{}, nil }}
	pio := NewPlatformIO("platformio", exec)
	src := &catalog.Source{Repo: "owner/fw", Version: "v0.4.0", Official: true}
	vars, err := Variables(src, builds.Request{Board: "esp32c3", Values: map[string]any{"battery": map[string]any{"pin": "A0"}}})
	require.NoError(t, err)

	require.NoError(t, pio.Build(context.Background(), "/work/src", "esp32c3", vars, nil))
	assert.Equal(t, map[string]string{
		"FIRMWARE_VERSION":          "0.4.0",
		"GIT_REV":                   "v0.4.0",
		"SLIMEVR_OVERRIDE_DEFAULTS": `{"battery":{"pin":"A0"}}`,
	}, exec.Commands()[0].Env)
}

func TestPlatformIOBuildInjectsEnvironment(t *testing.T) {
	exec := &fakeExecutor{handle: func(cmd Command, onLine func(Line)) (Result, error) {
		onLine(Line{Stream: Stdout, Text: "Building in release mode"})
		return Result{}, nil
	}}
	pio := NewPlatformIO("/opt/pio", exec)

	var lines []Line
	err := pio.Build(context.Background(), "/work/src", "esp32c3", []Variable{{Name: EnvGitRev, Value: "v1"}}, func(l Line) { lines = append(lines, l) })
	require.NoError(t, err)

	cmds := exec.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, Command{
		Path: "/opt/pio",
		Args: []string{"run", "-e", "esp32c3"},
		Dir:  "/work/src",
		Env:  map[string]string{EnvGitRev: "v1"},
	}, cmds[0])
	assert.Len(t, lines, 1)
	assert.Equal(t, catalog.ToolchainPlatformIO, pio.Kind())
}

func TestPlatformIOBuildFailures(t *testing.T) {
	pio := NewPlatformIO("", &fakeExecutor{handle: func(Command, func(Line)) (Result, error) {
		return Result{ExitCode: 1}, nil
	}})
	err := pio.Build(context.Background(), "/work/src", "esp32c3", nil, nil)
	require.ErrorIs(t, err, ErrBadExitCode)

	boom := errors.New("exec format error")
	pio = NewPlatformIO("", &fakeExecutor{handle: func(Command, func(Line)) (Result, error) {
		return Result{}, boom
	}})
	err = pio.Build(context.Background(), "/work/src", "esp32c3", nil, nil)
	require.ErrorIs(t, err, boom)
}

func TestPlatformIOSegments(t *testing.T) {
	exec := &fakeExecutor{handle: func(cmd Command, onLine func(Line)) (Result, error) {
		onLine(Line{Stream: Stderr, Text: "Processing esp32c3"})
		onLine(Line{Stream: Stdout, Text: `{"esp32c3": {"ex`, Continued: true})
		onLine(Line{Stream: Stdout, Text: `tra": {"flash_images": [`})
		onLine(Line{Stream: Stdout, Text: `{"offset": "0x0", "path": "/work/src/.pio/build/esp32c3/bootloader.bin"},`})
		onLine(Line{Stream: Stdout, Text: `{"offset": "32768", "path": "partitions.bin"}]}}}`})
		return Result{}, nil
	}}
	pio := NewPlatformIO("pio", exec)

	segments, err := pio.Segments(context.Background(), "/work/src", "esp32c3", 0x10000)
	require.NoError(t, err)
	assert.Equal(t, []Segment{
		{Path: "/work/src/.pio/build/esp32c3/bootloader.bin", Offset: 0},
		{Path: filepath.Join("/work/src", "partitions.bin"), Offset: 32768},
		{Path: filepath.Join("/work/src", ".pio", "build", "esp32c3", "firmware.bin"), Offset: 0x10000, IsFirmware: true},
	}, segments)
	assert.Equal(t, []string{"project", "metadata", "--json-output", "-e", "esp32c3"}, exec.Commands()[0].Args)
}

func TestParseFlashImagesErrors(t *testing.T) {
	tests := map[string]string{
		"not json":      `Processing...`,
		"missing board": `{"esp8266": {"extra": {}}}`,
		"bad offset":    `{"esp32c3": {"extra": {"flash_images": [{"offset": "zero", "path": "a.bin"}]}}}`,
		"missing path":  `{"esp32c3": {"extra": {"flash_images": [{"offset": "0x1000"}]}}}`,
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := parseFlashImages([]byte(data), "/work/src", "esp32c3")
			require.Error(t, err)
		})
	}

	segments, err := parseFlashImages([]byte(`{"esp8266": {"extra": {}}}`), "/work/src", "esp8266")
	require.NoError(t, err)
	assert.Empty(t, segments)
}
