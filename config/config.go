// Package config loads the daemon's configuration surface: a single
// YAML file for the options table, INI cache-policy rule files under
// cache.spec_dir feeding cachepolicy.Policy, and live-reload of that
// directory so policy edits take effect without a remount.
//
// Grounded on muxfys's own Config struct (a plain struct of mount/cache
// options) and its ReadEnvironment's homedir.Expand calls for every
// path-valued option; the INI parsing mirrors ReadEnvironment's
// ini.LooseLoad of ~/.s3cfg-style files, generalized from AWS profile
// sections to one-rule-per-key cache-policy files.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/go-ini/ini"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/google/shlex"
	"gopkg.in/yaml.v3"

	"github.com/sb10/tsumufs/cachepolicy"
)

// Config is the daemon's options table, as loaded from YAML.
type Config struct {
	Remote struct {
		Type    string `yaml:"type"`
		Source  string `yaml:"source"`
		Options string `yaml:"options"`
	} `yaml:"remote"`

	Cache struct {
		BaseDir string `yaml:"base_dir"`
		SpecDir string `yaml:"spec_dir"`
	} `yaml:"cache"`

	Metadata struct {
		Path string `yaml:"path"`
	} `yaml:"metadata"`

	Conflict struct {
		Dir string `yaml:"dir"`
	} `yaml:"conflict"`

	Sync struct {
		CheckpointSeconds int  `yaml:"checkpoint_s"`
		Pause             bool `yaml:"pause"`
	} `yaml:"sync"`

	ForceDisconnect  bool   `yaml:"force_disconnect"`
	DefaultModeMask  uint32 `yaml:"default_mode_mask"`
	DefaultCacheMode uint32 `yaml:"default_cache_mode"`
}

// Default returns a Config with every option's default filled in.
func Default(progName string) Config {
	var c Config
	c.Cache.BaseDir = filepath.Join("/var/cache", progName)
	c.Conflict.Dir = "/.conflicts"
	c.Sync.CheckpointSeconds = 30
	c.DefaultModeMask = 0077
	c.DefaultCacheMode = 0600
	return c
}

// Load reads a YAML config file at path, layering it over Default(progName),
// then expands every path-valued option through homedir.Expand the way
// muxfys.ReadEnvironment expands ~/.s3cfg-style paths.
func Load(path, progName string) (Config, error) {
	c := Default(progName)

	data, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, err
	}

	for _, p := range []*string{&c.Cache.BaseDir, &c.Cache.SpecDir, &c.Metadata.Path, &c.Conflict.Dir} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return c, err
		}
		*p = expanded
	}

	return c, nil
}

// RemoteOptionArgs splits Remote.Options the way a mount-option string is
// split for FUSE/NFS-style tools (google/shlex, as muxfys's indirect
// dependency already implies for option-string parsing).
func (c Config) RemoteOptionArgs() ([]string, error) {
	if strings.TrimSpace(c.Remote.Options) == "" {
		return nil, nil
	}
	return shlex.Split(c.Remote.Options)
}

// LoadCachePolicy reads every *.policy file in specDir (go-ini format,
// one `rule = always|never` key per `[/some/path]` section) into p.
// Grounded on muxfys's ReadEnvironment, which ini.LooseLoad's several
// candidate files and fills in a single effective profile; here every
// file in the directory contributes sections to the same Policy.
func LoadCachePolicy(specDir string, p *cachepolicy.Policy) error {
	if specDir == "" {
		return nil
	}
	entries, err := os.ReadDir(specDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".policy") {
			continue
		}
		if err := loadPolicyFile(filepath.Join(specDir, ent.Name()), p); err != nil {
			return err
		}
	}
	return nil
}

func loadPolicyFile(path string, p *cachepolicy.Policy) error {
	f, err := ini.Load(path)
	if err != nil {
		return err
	}
	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		rule := sec.Key("rule").String()
		switch rule {
		case "always":
			p.SetRule(sec.Name(), cachepolicy.Always)
		case "never":
			p.SetRule(sec.Name(), cachepolicy.Never)
		case "inherit", "":
			p.SetRule(sec.Name(), cachepolicy.Inherit)
		}
	}
	return nil
}
