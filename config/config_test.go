package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadLayersOverDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "tsumufsd.yml")
	yml := "remote:\n  type: posix\n  source: /srv/origin\nsync:\n  checkpoint_s: 5\nforce_disconnect: true\n"
	if err := os.WriteFile(cfgPath, []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(cfgPath, "tsumufsd")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if c.Remote.Type != "posix" || c.Remote.Source != "/srv/origin" {
		t.Fatalf("remote section not loaded: %+v", c.Remote)
	}
	if c.Sync.CheckpointSeconds != 5 {
		t.Fatalf("expected override checkpoint_s=5, got %d", c.Sync.CheckpointSeconds)
	}
	if !c.ForceDisconnect {
		t.Fatalf("expected force_disconnect=true")
	}
	if c.Conflict.Dir != "/.conflicts" {
		t.Fatalf("expected default conflict dir to survive unset, got %q", c.Conflict.Dir)
	}
	if c.DefaultModeMask != 0077 {
		t.Fatalf("expected default mode mask 0077, got %o", c.DefaultModeMask)
	}
}

func TestLoadExpandsHomeDir(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir available")
	}

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "tsumufsd.yml")
	if err := os.WriteFile(cfgPath, []byte("metadata:\n  path: ~/tsumufs-meta\n"), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(cfgPath, "tsumufsd")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := filepath.Join(home, "tsumufs-meta")
	if c.Metadata.Path != want {
		t.Fatalf("got %q, want %q", c.Metadata.Path, want)
	}
}

func TestRemoteOptionArgsSplitsLikeAShell(t *testing.T) {
	c := Config{}
	c.Remote.Options = `--region=us-east-1 --bucket="my data"`
	args, err := c.RemoteOptionArgs()
	if err != nil {
		t.Fatalf("RemoteOptionArgs: %v", err)
	}
	want := []string{"--region=us-east-1", "--bucket=my data"}
	if len(args) != len(want) || args[0] != want[0] || args[1] != want[1] {
		t.Fatalf("got %v, want %v", args, want)
	}
}
