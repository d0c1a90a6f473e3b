package build

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	asub "github.com/aparcar/asu-builder"
	"github.com/aparcar/asu-builder/container"
)

// probeDefaults extracts the default-package set for (version, target,
// profile) by running "make info" in the ImageBuilder. The result is
// memoized in the metadata cache; the cache is advisory and a miss simply
// re-runs the probe.
func (o *Orchestrator) probeDefaults(ctx context.Context, tag string, req *asub.BuildRequest) ([]string, *PhaseError) {
	ctx, span := tracer.Start(ctx, "build.info-probe")
	defer span.End()

	key := fmt.Sprintf("default-packages:%s:%s:%s", req.Version, req.Target, req.Profile)
	if raw, ok, err := o.store.CacheGet(ctx, key); err == nil && ok {
		var cached []string
		if err := json.Unmarshal(raw, &cached); err == nil {
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return cached, nil
		}
	}

	res, err := o.runContainer(ctx, container.RunOptions{
		Image:   tag,
		Name:    containerName(req.RequestHash, "info"),
		Command: []string{"make", "info"},
		WorkDir: "/builder",
	})
	if err != nil {
		span.RecordError(err)
		return nil, &PhaseError{Phase: PhaseProbe, Reason: shortReason(err.Error())}
	}
	if res.ExitCode != 0 {
		return nil, &PhaseError{Phase: PhaseProbe, Reason: fmt.Sprintf("exit code %d", res.ExitCode)}
	}

	defaults := parseDefaultPackages(res.Output)
	span.SetAttributes(attribute.Int("default_packages", len(defaults)))

	if raw, err := json.Marshal(defaults); err == nil {
		if err := o.store.CachePut(ctx, key, raw, o.cfg.ProbeTTL); err != nil {
			o.log.WithError(err).Debug("failed to memoize default-package probe")
		}
	}
	return defaults, nil
}

// parseDefaultPackages extracts the whitespace-separated package names from
// the "Default Packages:" line of "make info" output. An absent line means
// an empty default set.
func parseDefaultPackages(output string) []string {
	const marker = "Default Packages:"
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(trimmed, marker); ok {
			return strings.Fields(rest)
		}
	}
	return []string{}
}

// prepareArtifactDir creates store/<fingerprint>/ and, when a first-boot
// script is present, writes it to files/etc/uci-defaults/99-custom and
// returns the read-only bind of that files/ subtree.
func (o *Orchestrator) prepareArtifactDir(artifactDir string, req *asub.BuildRequest) ([]container.Mount, *PhaseError) {
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		return nil, &PhaseError{Phase: PhaseBuild, Reason: fmt.Sprintf("artifact dir: %v", err)}
	}
	if req.Defaults == "" {
		return nil, nil
	}

	scriptDir := filepath.Join(artifactDir, "files", "etc", "uci-defaults")
	if err := os.MkdirAll(scriptDir, 0o755); err != nil {
		return nil, &PhaseError{Phase: PhaseBuild, Reason: fmt.Sprintf("defaults dir: %v", err)}
	}
	script := filepath.Join(scriptDir, "99-custom")
	if err := os.WriteFile(script, []byte(req.Defaults), 0o755); err != nil {
		return nil, &PhaseError{Phase: PhaseBuild, Reason: fmt.Sprintf("defaults script: %v", err)}
	}

	return []container.Mount{{
		Source:   filepath.Join(artifactDir, "files"),
		Target:   "/builder/files",
		ReadOnly: true,
	}}, nil
}

// discoverArtifacts walks the artifact directory and returns the published
// files (by extension) as paths relative to it, sorted. An empty set is a
// failed build.
func discoverArtifacts(artifactDir string) ([]string, *PhaseError) {
	var images []string
	err := filepath.WalkDir(artifactDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !artifactExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		rel, err := filepath.Rel(artifactDir, path)
		if err != nil {
			return err
		}
		images = append(images, rel)
		return nil
	})
	if err != nil {
		return nil, &PhaseError{Phase: PhaseDiscover, Reason: shortReason(err.Error())}
	}
	if len(images) == 0 {
		return nil, &PhaseError{Phase: PhaseDiscover, Reason: "no artifacts found"}
	}
	sort.Strings(images)
	return images, nil
}

// validatePins checks requested package versions against the manifest.
// Returns the failure reason, or "" when every pin is satisfied.
func validatePins(manifest string, pins map[string]string) string {
	installed := ParseManifest(manifest)
	names := make([]string, 0, len(pins))
	for name := range pins {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		got, ok := installed[name]
		if !ok {
			return fmt.Sprintf("impossible package selection: %s not in manifest", name)
		}
		if got != pins[name] {
			return fmt.Sprintf("impossible package selection: %s version not as requested: %s vs. %s",
				name, pins[name], got)
		}
	}
	return ""
}

// ParseManifest parses the ImageBuilder manifest listing ("name - version"
// per line) into a name to version map.
func ParseManifest(manifest string) map[string]string {
	installed := make(map[string]string)
	for _, line := range strings.Split(manifest, "\n") {
		name, version, ok := strings.Cut(line, " - ")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		version = strings.TrimSpace(version)
		if name != "" && version != "" {
			installed[name] = version
		}
	}
	return installed
}
