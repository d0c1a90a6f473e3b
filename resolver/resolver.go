package resolver

import (
	"fmt"
	"sort"
	"strings"

	asub "github.com/aparcar/asu-builder"
)

// Result is the resolver output: the final package list and the ordered
// audit log of every transformation applied.
type Result struct {
	Packages []string
	Changes  []asub.PackageChange
}

// Resolve computes the final package set for a canonicalized request.
//
// defaultPackages is the set probed from the ImageBuilder for the request's
// (version, target, profile); it may be empty when the probe found nothing.
//
// Transformation order is fixed: default reconciliation (including explicit
// "-name" removals in diff mode), then renames, then hardware additions,
// then version pins. Renames before additions means a rule never adds a
// package that a later rename would rewrite; pins last means an explicit
// user pin always wins.
//
// Errors are returned for a removal of a package that is in neither the
// defaults nor the request, and for an empty final set.
func Resolve(req *asub.BuildRequest, defaultPackages []string, rules *Rules) (*Result, error) {
	res := &Result{}

	pkgs, err := res.reconcileDefaults(req, defaultPackages)
	if err != nil {
		return nil, err
	}

	pkgs = res.applyRenames(pkgs, req.Version, rules)
	pkgs = res.applyAdditions(pkgs, req, rules)
	res.applyPins(pkgs, req)

	if len(pkgs) == 0 {
		return nil, fmt.Errorf("resolution produced an empty package set")
	}

	sort.Strings(pkgs)
	res.Packages = pkgs
	return res, nil
}

// reconcileDefaults computes the base set. In diff mode the request is a
// delta over the defaults: union both, then honor "-name" removals. In
// absolute mode the user set stands on its own (the ImageBuilder merges base
// system defaults itself) and removals were already rejected at validation.
func (res *Result) reconcileDefaults(req *asub.BuildRequest, defaultPackages []string) ([]string, error) {
	if !req.DiffPackages {
		out := make([]string, len(req.Packages))
		copy(out, req.Packages)
		return out, nil
	}

	set := make(map[string]bool, len(defaultPackages)+len(req.Packages))
	for _, p := range defaultPackages {
		set[p] = true
	}
	var removals []string
	for _, p := range req.Packages {
		if name, isRemoval := strings.CutPrefix(p, "-"); isRemoval {
			removals = append(removals, name)
			continue
		}
		set[p] = true
	}

	for _, name := range removals {
		if !set[name] {
			return nil, fmt.Errorf("cannot remove %s: not in defaults or request", name)
		}
		delete(set, name)
		res.Changes = append(res.Changes, asub.PackageChange{
			Type:      asub.ChangeTypeRemoval,
			Action:    asub.ChangeActionRemove,
			Package:   name,
			Reason:    "removed by request",
			Automatic: false,
		})
	}

	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// applyRenames applies version migrations, deprecations, and language-pack
// collapses. When a rename lands on a package that is already present the
// two collapse to one copy, recorded with reason "duplicate collapsed".
func (res *Result) applyRenames(pkgs []string, version string, rules *Rules) []string {
	rename := func(pkgs []string, from, to, reason string) []string {
		idx := -1
		present := false
		for i, p := range pkgs {
			if p == from {
				idx = i
			}
			if p == to {
				present = true
			}
		}
		if idx < 0 {
			return pkgs
		}
		if present {
			reason = "duplicate collapsed"
			pkgs = append(pkgs[:idx], pkgs[idx+1:]...)
		} else {
			pkgs[idx] = to
		}
		res.Changes = append(res.Changes, asub.PackageChange{
			Type:        asub.ChangeTypeMigration,
			Action:      asub.ChangeActionReplace,
			FromPackage: from,
			ToPackage:   to,
			Reason:      reason,
			Automatic:   true,
		})
		return pkgs
	}

	for _, r := range rules.Renames {
		if r.matches(version) {
			pkgs = rename(pkgs, r.From, r.To, r.Reason)
		}
	}
	for _, r := range rules.Deprecations {
		if r.matches(version) {
			pkgs = rename(pkgs, r.From, r.To, r.Reason)
		}
	}
	for _, r := range rules.LanguagePacks {
		if !r.matches(version) {
			continue
		}
		// Language packs rewrite by prefix, preserving the language suffix.
		// Collect matches before renaming so the mutation does not feed back
		// into the scan.
		var matched []string
		for _, p := range pkgs {
			if strings.HasPrefix(p, r.FromPrefix) {
				matched = append(matched, p)
			}
		}
		for _, p := range matched {
			lang := strings.TrimPrefix(p, r.FromPrefix)
			pkgs = rename(pkgs, p, r.ToPrefix+lang, r.Reason)
		}
	}
	return pkgs
}

func (res *Result) applyAdditions(pkgs []string, req *asub.BuildRequest, rules *Rules) []string {
	for _, r := range rules.Additions {
		if !r.matches(req.Version, req.Target, req.Profile) {
			continue
		}
		if containsString(pkgs, r.Package) {
			continue
		}
		pkgs = append(pkgs, r.Package)
		res.Changes = append(res.Changes, asub.PackageChange{
			Type:      asub.ChangeTypeAddition,
			Action:    asub.ChangeActionAdd,
			Package:   r.Package,
			Reason:    r.Reason,
			Automatic: true,
		})
	}
	return pkgs
}

// applyPins records an audit entry per version pin. Pins do not change the
// set (the ImageBuilder cannot pin inside PACKAGES=); they are enforced
// against the manifest after the build.
func (res *Result) applyPins(pkgs []string, req *asub.BuildRequest) {
	names := make([]string, 0, len(req.PackagesVersions))
	for name := range req.PackagesVersions {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if !containsString(pkgs, name) {
			continue
		}
		res.Changes = append(res.Changes, asub.PackageChange{
			Type:      asub.ChangeTypePin,
			Action:    asub.ChangeActionPin,
			Package:   name,
			Version:   req.PackagesVersions[name],
			Reason:    "version pinned by request",
			Automatic: false,
		})
	}
}

func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
