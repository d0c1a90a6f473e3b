package asub

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Fingerprint deterministically derives the request hash from the
// canonicalized request.
//
// This function is the single source of truth for request identity:
//   - Two semantically equivalent requests render to the same byte string and
//     therefore the same hash, so they converge on the same cache entry, the
//     same queue slot, and the same artifact directory.
//   - The rendering is append-only: optional fields contribute bytes only when
//     present, so the hash of a minimal request never changes as new optional
//     fields are introduced.
//
// The rendering concatenates, separated by ":": distribution, version,
// target, profile, the comma-joined sorted package list, the diff flag, and
// the rootfs size; then one "name=version" segment per sorted version pin,
// one segment per repository URL in submission order (URL order is feed
// precedence and must not be normalized away), and finally the defaults
// script when non-empty.
//
// Fingerprint assumes the receiver is canonical (sorted packages, trimmed
// defaults); callers go through Canonicalize.
func (r *BuildRequest) Fingerprint() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s:%s:%s:%s:%s:%v:%d",
		r.Distro,
		r.Version,
		r.Target,
		r.Profile,
		strings.Join(r.Packages, ","),
		r.DiffPackages,
		r.RootfsSizeMB,
	)

	if len(r.PackagesVersions) > 0 {
		names := make([]string, 0, len(r.PackagesVersions))
		for name := range r.PackagesVersions {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, ":%s=%s", name, r.PackagesVersions[name])
		}
	}

	for _, repo := range r.Repositories {
		b.WriteString(":")
		b.WriteString(repo)
	}

	if r.Defaults != "" {
		b.WriteString(":")
		b.WriteString(r.Defaults)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
