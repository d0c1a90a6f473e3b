package asub

import "testing"

// TestFingerprint_EquivalentRequestsConverge verifies that two semantically
// equivalent requests (same fields, different package order and duplicate
// entries) derive the same fingerprint after canonicalization.
func TestFingerprint_EquivalentRequestsConverge(t *testing.T) {
	a := &BuildRequest{
		Version:  "23.05.0",
		Target:   "ath79/generic",
		Profile:  "tplink_archer-c7-v5",
		Packages: []string{"vim", "luci", "curl"},
	}
	b := &BuildRequest{
		Version:  "23.05.0",
		Target:   "ath79/generic",
		Profile:  "tplink_archer-c7-v5",
		Packages: []string{"curl", "luci", "vim", "curl"},
	}

	if err := a.Canonicalize(testLimits()); err != nil {
		t.Fatalf("Canonicalize(a): %v", err)
	}
	if err := b.Canonicalize(testLimits()); err != nil {
		t.Fatalf("Canonicalize(b): %v", err)
	}
	if a.RequestHash != b.RequestHash {
		t.Errorf("equivalent requests diverged: %s != %s", a.RequestHash, b.RequestHash)
	}
}

// TestFingerprint_FieldSensitivity verifies each identity-bearing field
// perturbs the hash.
func TestFingerprint_FieldSensitivity(t *testing.T) {
	base := func() *BuildRequest {
		return &BuildRequest{
			Distro:   "openwrt",
			Version:  "23.05.0",
			Target:   "ath79/generic",
			Profile:  "tplink_archer-c7-v5",
			Packages: []string{"luci"},
		}
	}
	ref := base().Fingerprint()

	mutations := map[string]func(*BuildRequest){
		"version":           func(r *BuildRequest) { r.Version = "24.10.0" },
		"target":            func(r *BuildRequest) { r.Target = "ath79/tiny" },
		"profile":           func(r *BuildRequest) { r.Profile = "other" },
		"packages":          func(r *BuildRequest) { r.Packages = []string{"luci", "vim"} },
		"diff flag":         func(r *BuildRequest) { r.DiffPackages = true },
		"rootfs size":       func(r *BuildRequest) { r.RootfsSizeMB = 256 },
		"version pin":       func(r *BuildRequest) { r.PackagesVersions = map[string]string{"luci": "1.0"} },
		"repository":        func(r *BuildRequest) { r.Repositories = []string{"https://example.org/feed"} },
		"defaults script":   func(r *BuildRequest) { r.Defaults = "echo hi" },
		"distribution name": func(r *BuildRequest) { r.Distro = "immortalwrt" },
	}

	for name, mutate := range mutations {
		r := base()
		mutate(r)
		if got := r.Fingerprint(); got == ref {
			t.Errorf("mutation %q did not change fingerprint", name)
		}
	}
}

// TestFingerprint_AppendOnlyRendering pins down that absent optional fields
// contribute no bytes: a minimal request's hash must stay stable forever.
func TestFingerprint_AppendOnlyRendering(t *testing.T) {
	minimal := &BuildRequest{
		Distro:  "openwrt",
		Version: "23.05.0",
		Target:  "ath79/generic",
		Profile: "tplink_archer-c7-v5",
	}
	withEmpty := &BuildRequest{
		Distro:           "openwrt",
		Version:          "23.05.0",
		Target:           "ath79/generic",
		Profile:          "tplink_archer-c7-v5",
		Packages:         []string{},
		PackagesVersions: map[string]string{},
		Repositories:     []string{},
	}
	if minimal.Fingerprint() != withEmpty.Fingerprint() {
		t.Error("empty optional fields changed the fingerprint")
	}
}

// TestFingerprint_RepositoryOrderMatters verifies repository URL order is
// preserved in the rendering, since feed order is precedence.
func TestFingerprint_RepositoryOrderMatters(t *testing.T) {
	a := &BuildRequest{
		Version: "23.05.0", Target: "ath79/generic", Profile: "p",
		Repositories: []string{"https://a.example/feed", "https://b.example/feed"},
	}
	b := &BuildRequest{
		Version: "23.05.0", Target: "ath79/generic", Profile: "p",
		Repositories: []string{"https://b.example/feed", "https://a.example/feed"},
	}
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("repository order should be identity-bearing")
	}
}
