package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/juju/gojsonschema"
)

type rawBoardDefaults struct {
	Values        map[string]any `json:"values"`
	FlashingRules *FlashingRules `json:"flashingRules"`
}

type rawManifest struct {
	Toolchain string                      `json:"toolchain"`
	Defaults  map[string]rawBoardDefaults `json:"defaults"`
}

// parseManifest decodes board-defaults.json and checks it has the shape the
// runner relies on.
func parseManifest(data []byte) (Manifest, error) {
	var raw rawManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if strings.TrimSpace(raw.Toolchain) == "" {
		return Manifest{}, errors.New("manifest toolchain is required")
	}
	if len(raw.Defaults) == 0 {
		return Manifest{}, errors.New("manifest declares no boards")
	}

	manifest := Manifest{
		Toolchain: raw.Toolchain,
		Defaults:  make(map[string]BoardDefaults, len(raw.Defaults)),
	}
	for board, defaults := range raw.Defaults {
		if defaults.Values == nil {
			return Manifest{}, fmt.Errorf("board %s: values are required", board)
		}
		if defaults.FlashingRules == nil {
			return Manifest{}, fmt.Errorf("board %s: flashingRules are required", board)
		}
		if defaults.FlashingRules.ApplicationOffset < 0 {
			return Manifest{}, fmt.Errorf("board %s: negative application offset", board)
		}
		manifest.Defaults[board] = BoardDefaults{
			Values:        defaults.Values,
			FlashingRules: *defaults.FlashingRules,
		}
	}
	return manifest, nil
}

func compileSchema(data []byte) (*gojsonschema.Schema, json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, nil, errors.New("schema must be a JSON object")
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(string(trimmed)))
	if err != nil {
		return nil, nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, json.RawMessage(trimmed), nil
}

// ValidateValues checks client supplied override values against the schema
// published with the source release.
func (s *Source) ValidateValues(values map[string]any) error {
	if s == nil {
		return ErrSourceNotFound
	}
	if s.schema == nil {
		return nil
	}
	if values == nil {
		values = map[string]any{}
	}

	result, err := s.schema.Validate(gojsonschema.NewGoLoader(values))
	if err != nil {
		return fmt.Errorf("validate values: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return fmt.Errorf("%w: %s", ErrInvalidValues, strings.Join(msgs, "; "))
}
