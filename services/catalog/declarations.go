package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// Declaration is the operator supplied configuration of one upstream repository.
type Declaration struct {
	Repo            string   `yaml:"-"`
	ExtraBranches   []string `yaml:"extraBranches"`
	BlockedVersions []string `yaml:"blockedVersions"`
	Official        bool     `yaml:"official"`

	blocked []*semver.Constraints
}

// Blocked reports whether tag falls in one of the blocked version ranges.
// Tags that are not semantic versions are never blocked.
func (d Declaration) Blocked(tag string) bool {
	if len(d.blocked) == 0 {
		return false
	}
	version, err := semver.NewVersion(tag)
	if err != nil {
		return false
	}
	for _, constraint := range d.blocked {
		if constraint.Check(version) {
			return true
		}
	}
	return false
}

// LoadDeclarations reads the sources file at path. JSON and YAML are both
// accepted. Declarations are returned sorted by repository.
func LoadDeclarations(path string) ([]Declaration, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sources path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources: %w", err)
	}
	return ParseDeclarations(data)
}

// ParseDeclarations decodes a repository -> declaration mapping.
func ParseDeclarations(data []byte) ([]Declaration, error) {
	raw := map[string]Declaration{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode sources: %w", err)
	}

	decls := make([]Declaration, 0, len(raw))
	for repo, decl := range raw {
		repo = strings.Trim(strings.TrimSpace(repo), "/")
		if strings.Count(repo, "/") != 1 {
			return nil, fmt.Errorf("source %q: expected owner/name", repo)
		}
		decl.Repo = repo

		for _, rng := range decl.BlockedVersions {
			constraint, err := semver.NewConstraint(rng)
			if err != nil {
				return nil, fmt.Errorf("source %s: blocked range %q: %w", repo, rng, err)
			}
			decl.blocked = append(decl.blocked, constraint)
		}
		decls = append(decls, decl)
	}

	sort.Slice(decls, func(i, j int) bool { return decls[i].Repo < decls[j].Repo })
	return decls, nil
}
