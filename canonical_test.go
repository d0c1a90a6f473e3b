package asub

import (
	"errors"
	"strings"
	"testing"
)

func testLimits() Limits {
	return Limits{MaxDefaultsLength: 1024, MaxRootfsSizeMB: 512, AllowDefaults: true}
}

// TestCanonicalize_SortsAndDeduplicatesPackages verifies that package order
// and duplicates do not survive canonicalization.
func TestCanonicalize_SortsAndDeduplicatesPackages(t *testing.T) {
	req := &BuildRequest{
		Version:  "23.05.0",
		Target:   "ath79/generic",
		Profile:  "tplink_archer-c7-v5",
		Packages: []string{"vim", "luci", "vim", "curl"},
	}
	if err := req.Canonicalize(testLimits()); err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}

	want := []string{"curl", "luci", "vim"}
	if len(req.Packages) != len(want) {
		t.Fatalf("packages = %v, want %v", req.Packages, want)
	}
	for i := range want {
		if req.Packages[i] != want[i] {
			t.Fatalf("packages = %v, want %v", req.Packages, want)
		}
	}
	if req.Distro != "openwrt" {
		t.Errorf("distro = %q, want openwrt default", req.Distro)
	}
	if req.RequestHash == "" {
		t.Error("request hash not populated")
	}
}

// TestCanonicalize_Idempotent verifies fingerprint stability across repeated
// canonicalization of the same request.
func TestCanonicalize_Idempotent(t *testing.T) {
	req := &BuildRequest{
		Version:  "23.05.0",
		Target:   "ath79/generic",
		Profile:  "tplink_archer-c7-v5",
		Packages: []string{"luci", "curl"},
		Defaults: "uci set system.@system[0].hostname='test'\n\n",
	}
	if err := req.Canonicalize(testLimits()); err != nil {
		t.Fatalf("first Canonicalize: %v", err)
	}
	first := req.RequestHash

	if err := req.Canonicalize(testLimits()); err != nil {
		t.Fatalf("second Canonicalize: %v", err)
	}
	if req.RequestHash != first {
		t.Errorf("hash changed across canonicalization: %s != %s", req.RequestHash, first)
	}
}

// TestCanonicalize_ValidationErrors exercises each pattern constraint and
// checks the error names the offending field.
func TestCanonicalize_ValidationErrors(t *testing.T) {
	tests := []struct {
		name  string
		req   BuildRequest
		field string
	}{
		{
			name:  "bad version",
			req:   BuildRequest{Version: "not-a-version", Target: "ath79/generic", Profile: "p"},
			field: "version",
		},
		{
			name:  "target missing subtarget",
			req:   BuildRequest{Version: "23.05.0", Target: "ath79", Profile: "p"},
			field: "target",
		},
		{
			name:  "target extra slash",
			req:   BuildRequest{Version: "23.05.0", Target: "a/b/c", Profile: "p"},
			field: "target",
		},
		{
			name:  "shell metacharacters in profile",
			req:   BuildRequest{Version: "23.05.0", Target: "ath79/generic", Profile: "p;rm -rf"},
			field: "profile",
		},
		{
			name:  "bad package name",
			req:   BuildRequest{Version: "23.05.0", Target: "ath79/generic", Profile: "p", Packages: []string{"ok", "not ok"}},
			field: "packages",
		},
		{
			name:  "removal without diff mode",
			req:   BuildRequest{Version: "23.05.0", Target: "ath79/generic", Profile: "p", Packages: []string{"-luci"}},
			field: "packages",
		},
		{
			name:  "defaults too long",
			req:   BuildRequest{Version: "23.05.0", Target: "ath79/generic", Profile: "p", Defaults: strings.Repeat("x", 2048)},
			field: "defaults",
		},
		{
			name:  "rootfs over cap",
			req:   BuildRequest{Version: "23.05.0", Target: "ath79/generic", Profile: "p", RootfsSizeMB: 4096},
			field: "rootfs_size_mb",
		},
		{
			name: "repository key mismatch",
			req: BuildRequest{
				Version: "23.05.0", Target: "ath79/generic", Profile: "p",
				Repositories: []string{"https://example.org/feed"},
			},
			field: "repository_keys",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Canonicalize(testLimits())
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %T: %v", err, err)
			}
			if verr.Field != tt.field {
				t.Errorf("error field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

// TestCanonicalize_DefaultsDisabled verifies that a non-empty first-boot
// script is rejected outright when defaults are administratively disabled.
func TestCanonicalize_DefaultsDisabled(t *testing.T) {
	lim := testLimits()
	lim.AllowDefaults = false

	req := &BuildRequest{
		Version:  "23.05.0",
		Target:   "ath79/generic",
		Profile:  "p",
		Defaults: "echo hello",
	}
	if err := req.Canonicalize(lim); err == nil {
		t.Fatal("expected rejection of defaults when disabled")
	}

	// Whitespace-only defaults trim to empty and pass.
	req = &BuildRequest{
		Version:  "23.05.0",
		Target:   "ath79/generic",
		Profile:  "p",
		Defaults: "  \n",
	}
	if err := req.Canonicalize(lim); err != nil {
		t.Fatalf("whitespace-only defaults should be accepted: %v", err)
	}
}

// TestCanonicalize_SnapshotVersions accepts the SNAPSHOT and -rc forms.
func TestCanonicalize_SnapshotVersions(t *testing.T) {
	for _, v := range []string{"SNAPSHOT", "24.10-SNAPSHOT", "24.10.0-rc2", "23.05", "23.05.5"} {
		req := &BuildRequest{Version: v, Target: "ath79/generic", Profile: "p"}
		if err := req.Canonicalize(testLimits()); err != nil {
			t.Errorf("version %q rejected: %v", v, err)
		}
	}
}
