package container

import (
	"reflect"
	"testing"
)

// TestBuildSpec verifies the spec generator rendering: auto-remove set, env
// and workdir carried over, and mounts rendered as bind mounts with "ro" on
// read-only sources only.
func TestBuildSpec(t *testing.T) {
	sg := buildSpec(RunOptions{
		Image:   "ghcr.io/openwrt/imagebuilder:23.05.0-ath79-generic",
		Name:    "builder-run",
		Command: []string{"make", "image"},
		Env:     map[string]string{"PROFILE": "tplink_archer-c7-v2"},
		WorkDir: "/builder",
		Mounts: []Mount{
			{Source: "/tmp/defaults", Target: "/builder/files", ReadOnly: true},
			{Source: "/srv/store/abc", Target: "/builder/bin"},
		},
	})

	if !sg.Remove {
		t.Error("Remove = false, want true")
	}
	if sg.Name != "builder-run" {
		t.Errorf("Name = %q", sg.Name)
	}
	if sg.Image != "ghcr.io/openwrt/imagebuilder:23.05.0-ath79-generic" {
		t.Errorf("Image = %q", sg.Image)
	}
	if sg.WorkDir != "/builder" {
		t.Errorf("WorkDir = %q", sg.WorkDir)
	}
	if got := sg.Env["PROFILE"]; got != "tplink_archer-c7-v2" {
		t.Errorf("Env[PROFILE] = %q", got)
	}
	if !reflect.DeepEqual(sg.Command, []string{"make", "image"}) {
		t.Errorf("Command = %v", sg.Command)
	}

	if len(sg.Mounts) != 2 {
		t.Fatalf("got %d mounts, want 2", len(sg.Mounts))
	}
	ro := sg.Mounts[0]
	if ro.Type != "bind" || ro.Source != "/tmp/defaults" || ro.Destination != "/builder/files" {
		t.Errorf("read-only mount = %+v", ro)
	}
	if !reflect.DeepEqual(ro.Options, []string{"ro"}) {
		t.Errorf("read-only mount options = %v, want [ro]", ro.Options)
	}
	rw := sg.Mounts[1]
	if rw.Type != "bind" || rw.Source != "/srv/store/abc" || rw.Destination != "/builder/bin" {
		t.Errorf("writable mount = %+v", rw)
	}
	if len(rw.Options) != 0 {
		t.Errorf("writable mount options = %v, want none", rw.Options)
	}
}

// TestBuildSpec_OmitsEmptyOptionals verifies workdir and env stay unset when
// the options leave them empty.
func TestBuildSpec_OmitsEmptyOptionals(t *testing.T) {
	sg := buildSpec(RunOptions{Image: "img", Name: "n", Command: []string{"true"}})
	if sg.WorkDir != "" {
		t.Errorf("WorkDir = %q, want empty", sg.WorkDir)
	}
	if len(sg.Env) != 0 {
		t.Errorf("Env = %v, want empty", sg.Env)
	}
	if len(sg.Mounts) != 0 {
		t.Errorf("Mounts = %v, want empty", sg.Mounts)
	}
}
