package catalog

import (
	"encoding/json"
	"errors"
	"sort"

	"github.com/juju/gojsonschema"
)

const (
	// DefaultBranch is reported for sources built from a release tag.
	DefaultBranch = "main"

	// ToolchainPlatformIO is the only toolchain kind the runner understands today.
	ToolchainPlatformIO = "platformio"

	defaultsFile = "board-defaults.json"
	schemaFile   = "board-defaults.schema.json"
)

var (
	ErrSourceNotFound = errors.New("source not found")
	ErrBoardNotFound  = errors.New("board not found")
	ErrNoSources      = errors.New("no sources found")
	ErrInvalidValues  = errors.New("values do not match board schema")
)

// FlashingRules describes how a board must be flashed.
type FlashingRules struct {
	ApplicationOffset     int64 `json:"applicationOffset"`
	NeedBootPress         bool  `json:"needBootPress"`
	NeedManualReboot      bool  `json:"needManualReboot"`
	ShouldOnlyUseDefaults bool  `json:"shouldOnlyUseDefaults"`
}

// BoardDefaults holds the default values and flashing layout of one board.
type BoardDefaults struct {
	Values        map[string]any `json:"values"`
	FlashingRules FlashingRules  `json:"flashingRules"`
}

// Manifest is the parsed board-defaults.json of one release.
type Manifest struct {
	Toolchain string                   `json:"toolchain"`
	Defaults  map[string]BoardDefaults `json:"defaults"`
}

// Source is one buildable (repository, version) pair. Sources belong to a
// Snapshot and are never modified after the snapshot is published.
type Source struct {
	Repo       string
	Version    string
	Branch     string
	Official   bool
	Prerelease bool
	Toolchain  string
	Boards     []string
	Manifest   Manifest
	Schema     json.RawMessage
	ReleaseID  string
	ArchiveURL string

	schema *gojsonschema.Schema
}

// HasBoard reports whether the source declares defaults for board.
func (s *Source) HasBoard(board string) bool {
	if s == nil {
		return false
	}
	_, ok := s.Manifest.Defaults[board]
	return ok
}

// BoardDefaults returns the defaults of board.
func (s *Source) BoardDefaults(board string) (BoardDefaults, error) {
	if s == nil {
		return BoardDefaults{}, ErrSourceNotFound
	}
	defaults, ok := s.Manifest.Defaults[board]
	if !ok {
		return BoardDefaults{}, ErrBoardNotFound
	}
	return defaults, nil
}

// View is the public listing entry of a source, without manifests.
type View struct {
	Source          string   `json:"source"`
	Version         string   `json:"version"`
	Branch          string   `json:"branch"`
	Official        bool     `json:"official"`
	Prerelease      bool     `json:"prerelease"`
	AvailableBoards []string `json:"availableBoards"`
}

// BoardView is the board-defaults lookup result: the manifest trimmed to a
// single board plus the release schema.
type BoardView struct {
	Schema json.RawMessage `json:"schema"`
	Data   Manifest        `json:"data"`
}

func (s *Source) view() View {
	return View{
		Source:          s.Repo,
		Version:         s.Version,
		Branch:          s.Branch,
		Official:        s.Official,
		Prerelease:      s.Prerelease,
		AvailableBoards: append([]string(nil), s.Boards...),
	}
}

func boardNames(defaults map[string]BoardDefaults) []string {
	names := make([]string, 0, len(defaults))
	for name := range defaults {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
