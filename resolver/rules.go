// Package resolver deterministically transforms a user-supplied package list
// into the final list handed to the ImageBuilder.
//
// Resolution is pure: it takes the canonical request, the probed
// default-package set, and a static rules table, and returns a new package
// set plus an ordered audit log of changes. It never touches the filesystem
// or the network, which is what allows the prepare service to run without a
// container runtime.
//
// Rules ship embedded in the binary (rules.yaml) and can be overridden with
// an external YAML file of the same shape.
package resolver

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var embeddedRules []byte

// Rules is the static transformation table, keyed by version and by
// (version, target[, profiles]).
type Rules struct {
	// Renames map old package names onto their successors for matching
	// versions (e.g. auc -> owut from 24.10 on).
	Renames []RenameRule `yaml:"renames"`

	// Deprecations are renames for packages that still exist but should no
	// longer be installed; they resolve to the replacement.
	Deprecations []RenameRule `yaml:"deprecations"`

	// LanguagePacks collapse per-language variant packages onto an umbrella
	// prefix when a release merged them.
	LanguagePacks []LanguagePackRule `yaml:"language_packs"`

	// Additions inject hardware-specific kernel modules or firmware required
	// by a device but absent from its defaults.
	Additions []AdditionRule `yaml:"additions"`
}

// RenameRule replaces From with To when the version matches.
type RenameRule struct {
	From            string   `yaml:"from"`
	To              string   `yaml:"to"`
	Since           string   `yaml:"since,omitempty"`
	VersionPrefixes []string `yaml:"version_prefixes,omitempty"`
	Reason          string   `yaml:"reason"`
}

// LanguagePackRule rewrites any package starting with FromPrefix onto
// ToPrefix, preserving the language suffix.
type LanguagePackRule struct {
	FromPrefix string `yaml:"from_prefix"`
	ToPrefix   string `yaml:"to_prefix"`
	Since      string `yaml:"since,omitempty"`
	Reason     string `yaml:"reason"`
}

// AdditionRule adds Package for matching (version, target, profile) tuples.
type AdditionRule struct {
	Package         string   `yaml:"package"`
	Target          string   `yaml:"target,omitempty"`
	Profiles        []string `yaml:"profiles,omitempty"`
	Since           string   `yaml:"since,omitempty"`
	VersionPrefixes []string `yaml:"version_prefixes,omitempty"`
	Reason          string   `yaml:"reason"`
}

// DefaultRules parses the embedded rules table. The embedded table is
// validated by tests, so a parse failure here is a build defect.
func DefaultRules() (*Rules, error) {
	return parseRules(embeddedRules)
}

// LoadRules reads a rules table from path, falling back to the embedded
// table when path is empty.
func LoadRules(path string) (*Rules, error) {
	if path == "" {
		return DefaultRules()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	rules, err := parseRules(data)
	if err != nil {
		return nil, fmt.Errorf("invalid rules file %s: %w", path, err)
	}
	return rules, nil
}

func parseRules(data []byte) (*Rules, error) {
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	return &rules, nil
}

func (r *RenameRule) matches(version string) bool {
	return versionMatches(version, r.Since, r.VersionPrefixes)
}

func (r *LanguagePackRule) matches(version string) bool {
	return versionMatches(version, r.Since, nil)
}

func (r *AdditionRule) matches(version, target, profile string) bool {
	if !versionMatches(version, r.Since, r.VersionPrefixes) {
		return false
	}
	if r.Target != "" && r.Target != target {
		return false
	}
	if len(r.Profiles) > 0 && !slices.Contains(r.Profiles, profile) {
		return false
	}
	return true
}

func versionMatches(version, since string, prefixes []string) bool {
	if since != "" && !versionAtLeast(version, since) {
		return false
	}
	if len(prefixes) > 0 {
		for _, p := range prefixes {
			if strings.HasPrefix(version, p) {
				return true
			}
		}
		return false
	}
	return true
}

// versionAtLeast compares release versions by (major, minor). SNAPSHOT sorts
// newest; rc and snapshot suffixes are ignored for the comparison.
func versionAtLeast(version, since string) bool {
	if version == "SNAPSHOT" {
		return true
	}
	vMaj, vMin, ok := splitVersion(version)
	if !ok {
		return false
	}
	sMaj, sMin, ok := splitVersion(since)
	if !ok {
		return false
	}
	if vMaj != sMaj {
		return vMaj > sMaj
	}
	return vMin >= sMin
}

func splitVersion(v string) (major, minor int, ok bool) {
	v, _, _ = strings.Cut(v, "-")
	parts := strings.Split(v, ".")
	if len(parts) < 2 {
		return 0, 0, false
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, false
	}
	return major, minor, true
}
