package asub

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Limits are the administratively configured validation caps applied during
// canonicalization.
type Limits struct {
	// MaxDefaultsLength bounds the first-boot script size in bytes.
	MaxDefaultsLength int

	// MaxRootfsSizeMB bounds the custom rootfs partition size.
	MaxRootfsSizeMB int

	// AllowDefaults controls whether first-boot scripts are honored at all.
	// When false, any non-empty Defaults is a validation error (the script
	// would otherwise be mounted into the build container).
	AllowDefaults bool
}

// ValidationError names the request field that violated an invariant.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

var (
	versionRe   = regexp.MustCompile(`^([0-9]+\.[0-9]+(\.[0-9]+)?(-rc[0-9]+)?(-SNAPSHOT)?|SNAPSHOT)$`)
	safeTokenRe = regexp.MustCompile(`^[0-9a-zA-Z._+-]+$`)
	packageRe   = regexp.MustCompile(`^-?[0-9a-zA-Z._+-]+$`)
)

// Canonicalize validates the request against lim and normalizes it in place:
// the distribution defaults to "openwrt", packages are sorted and
// deduplicated, and trailing whitespace is trimmed from the defaults script
// (it is user content and otherwise left alone). On success RequestHash is
// populated from Fingerprint.
//
// Canonicalize is idempotent: applying it to its own output changes nothing.
func (r *BuildRequest) Canonicalize(lim Limits) error {
	if r.Distro == "" {
		r.Distro = "openwrt"
	}
	if err := r.validate(lim); err != nil {
		return err
	}

	r.Packages = sortedUnique(r.Packages)
	r.Defaults = strings.TrimRight(r.Defaults, " \t\n\r")
	if r.Defaults != "" && !lim.AllowDefaults {
		return &ValidationError{Field: "defaults", Reason: "first-boot scripts are disabled"}
	}

	r.RequestHash = r.Fingerprint()
	return nil
}

func (r *BuildRequest) validate(lim Limits) error {
	if !safeTokenRe.MatchString(r.Distro) {
		return &ValidationError{Field: "distro", Reason: "invalid distribution name"}
	}
	if !versionRe.MatchString(r.Version) {
		return &ValidationError{Field: "version", Reason: "invalid version format"}
	}

	parts := strings.Split(r.Target, "/")
	if len(parts) != 2 || !safeTokenRe.MatchString(parts[0]) || !safeTokenRe.MatchString(parts[1]) {
		return &ValidationError{Field: "target", Reason: "must be <target>/<subtarget>"}
	}

	if r.Profile == "" || !safeTokenRe.MatchString(r.Profile) {
		return &ValidationError{Field: "profile", Reason: "invalid profile name"}
	}

	for _, pkg := range r.Packages {
		if !packageRe.MatchString(pkg) {
			return &ValidationError{Field: "packages", Reason: fmt.Sprintf("invalid package name %q", pkg)}
		}
		// A leading "-" is a removal, which only makes sense against the
		// installed set. In absolute mode there is nothing to remove from.
		if strings.HasPrefix(pkg, "-") && !r.DiffPackages {
			return &ValidationError{Field: "packages", Reason: fmt.Sprintf("removal %q requires diff_packages", pkg)}
		}
	}

	for name, version := range r.PackagesVersions {
		if !safeTokenRe.MatchString(name) || version == "" {
			return &ValidationError{Field: "packages_versions", Reason: fmt.Sprintf("invalid pin %q", name)}
		}
	}

	if lim.MaxDefaultsLength > 0 && len(r.Defaults) > lim.MaxDefaultsLength {
		return &ValidationError{Field: "defaults", Reason: fmt.Sprintf("exceeds maximum length of %d bytes", lim.MaxDefaultsLength)}
	}
	if r.RootfsSizeMB < 0 {
		return &ValidationError{Field: "rootfs_size_mb", Reason: "must not be negative"}
	}
	if lim.MaxRootfsSizeMB > 0 && r.RootfsSizeMB > lim.MaxRootfsSizeMB {
		return &ValidationError{Field: "rootfs_size_mb", Reason: fmt.Sprintf("exceeds maximum of %d MB", lim.MaxRootfsSizeMB)}
	}
	if len(r.RepositoryKeys) != len(r.Repositories) {
		return &ValidationError{Field: "repository_keys", Reason: "must match repositories in length"}
	}

	return nil
}

// Subtarget returns the subtarget half of the Target field.
func (r *BuildRequest) Subtarget() string {
	_, sub, _ := strings.Cut(r.Target, "/")
	return sub
}

func sortedUnique(in []string) []string {
	if len(in) == 0 {
		return in
	}
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	j := 0
	for i := 1; i < len(out); i++ {
		if out[i] != out[j] {
			j++
			out[j] = out[i]
		}
	}
	return out[:j+1]
}
