package toolchain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"fwforge/services/builds"
	"fwforge/services/catalog"
)

// Names of the variables the firmware build scripts read.
const (
	EnvFirmwareVersion  = "FIRMWARE_VERSION"
	EnvGitRev           = "GIT_REV"
	EnvOverrideDefaults = "SLIMEVR_OVERRIDE_DEFAULTS"
)

var ErrBadExitCode = errors.New("bad exit code")

// Variable is one named value injected into the toolchain environment.
type Variable struct {
	Name  string
	Value string
}

// Segment is a binary produced by a build and the flash offset it belongs at.
type Segment struct {
	Path       string
	Offset     int64
	IsFirmware bool
}

// Toolchain compiles an extracted project for one board.
type Toolchain interface {
	Kind() string
	Build(ctx context.Context, project, board string, vars []Variable, onLine func(Line)) error
	// Segments lists the binaries to flash, application image last.
	Segments(ctx context.Context, project, board string, appOffset int64) ([]Segment, error)
}

// Variables returns the environment injected into a build of req against
// src, sorted by name. The firmware version is only set for official
// sources.
func Variables(src *catalog.Source, req builds.Request) ([]Variable, error) {
	overrides, err := json.Marshal(overrideValues(req.Values))
	if err != nil {
		return nil, fmt.Errorf("encode override values: %w", err)
	}

	vars := []Variable{
		{Name: EnvGitRev, Value: src.Version},
		{Name: EnvOverrideDefaults, Value: string(overrides)},
	}
	if src.Official {
		vars = append(vars, Variable{Name: EnvFirmwareVersion, Value: strings.TrimPrefix(src.Version, "v")})
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i].Name < vars[j].Name })
	return vars, nil
}

// overrideValues returns the board values to inject. Clients that post a
// whole board defaults entry ({values, flashingRules}) get its inner values.
func overrideValues(values map[string]any) map[string]any {
	if values == nil {
		return map[string]any{}
	}
	if _, ok := values["flashingRules"]; ok {
		if inner, ok := values["values"].(map[string]any); ok {
			return inner
		}
	}
	return values
}

// PlatformIO drives the platformio CLI.
type PlatformIO struct {
	bin  string
	exec Executor
}

// NewPlatformIO returns a PlatformIO toolchain running bin. Empty values
// default to "platformio" and ExecExecutor.
func NewPlatformIO(bin string, exec Executor) *PlatformIO {
	if bin == "" {
		bin = catalog.ToolchainPlatformIO
	}
	if exec == nil {
		exec = ExecExecutor{}
	}
	return &PlatformIO{bin: bin, exec: exec}
}

func (p *PlatformIO) Kind() string { return catalog.ToolchainPlatformIO }

// Build runs `platformio run -e <board>` in project.
func (p *PlatformIO) Build(ctx context.Context, project, board string, vars []Variable, onLine func(Line)) error {
	env := make(map[string]string, len(vars))
	for _, v := range vars {
		env[v.Name] = v.Value
	}
	cmd := Command{Path: p.bin, Args: []string{"run", "-e", board}, Dir: project, Env: env}
	res, err := p.exec.Run(ctx, cmd, onLine)
	if err != nil {
		return fmt.Errorf("run %s: %w", cmd, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: %s exited with %d", ErrBadExitCode, cmd, res.ExitCode)
	}
	return nil
}

// Segments reads the flash images from the project metadata and appends the
// application image at appOffset.
func (p *PlatformIO) Segments(ctx context.Context, project, board string, appOffset int64) ([]Segment, error) {
	var stdout bytes.Buffer
	cmd := Command{Path: p.bin, Args: []string{"project", "metadata", "--json-output", "-e", board}, Dir: project}
	res, err := p.exec.Run(ctx, cmd, func(l Line) {
		if l.Stream != Stdout {
			return
		}
		stdout.WriteString(l.Text)
		if !l.Continued {
			stdout.WriteByte('\n')
		}
	})
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", cmd, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%w: %s exited with %d", ErrBadExitCode, cmd, res.ExitCode)
	}

	segments, err := parseFlashImages(stdout.Bytes(), project, board)
	if err != nil {
		return nil, err
	}
	return append(segments, Segment{
		Path:       filepath.Join(project, ".pio", "build", board, "firmware.bin"),
		Offset:     appOffset,
		IsFirmware: true,
	}), nil
}

type projectMetadata map[string]struct {
	Extra struct {
		FlashImages []struct {
			Offset string `json:"offset"`
			Path   string `json:"path"`
		} `json:"flash_images"`
	} `json:"extra"`
}

func parseFlashImages(data []byte, project, board string) ([]Segment, error) {
	var meta projectMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode project metadata: %w", err)
	}
	env, ok := meta[board]
	if !ok {
		return nil, fmt.Errorf("project metadata has no environment %q", board)
	}

	segments := make([]Segment, 0, len(env.Extra.FlashImages)+1)
	for _, img := range env.Extra.FlashImages {
		offset, err := strconv.ParseInt(strings.TrimSpace(img.Offset), 0, 64)
		if err != nil {
			return nil, fmt.Errorf("flash image %s: bad offset %q", img.Path, img.Offset)
		}
		if img.Path == "" {
			return nil, errors.New("flash image without path")
		}
		path := img.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(project, path)
		}
		segments = append(segments, Segment{Path: path, Offset: offset})
	}
	return segments, nil
}
