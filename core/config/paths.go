// Package config holds configuration helpers shared by the streamhub binaries.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// EnvPrefix namespaces environment variables read through GetEnv.
const EnvPrefix = "STREAMHUB_"

// GetEnv returns STREAMHUB_<key> when set and non-empty, then key, then def.
func GetEnv(key, def string) string {
	for _, k := range []string{EnvPrefix + key, key} {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// SearchDirs lists the directories probed for config files, most specific first.
type SearchDirs struct {
	// Override comes from STREAMHUB_CONFIG_DIR and is used as-is.
	Override string
	// User is the per-user config root (XDG_CONFIG_HOME, AppData, ...).
	User string
	// System is the machine-wide config root.
	System string
}

// LookupDirs builds SearchDirs for goos from the process environment.
func LookupDirs(goos string) SearchDirs {
	d := SearchDirs{Override: os.Getenv(EnvPrefix + "CONFIG_DIR")}
	if dir, err := os.UserConfigDir(); err == nil {
		d.User = dir
	}
	switch goos {
	case "windows":
		d.System = os.Getenv("ProgramData")
		if d.System == "" {
			d.System = `C:\ProgramData`
		}
	case "darwin":
		d.System = "/Library/Application Support"
	default:
		d.System = "/etc"
	}
	return d
}

// Candidates returns the file paths for name in search order.
func (d SearchDirs) Candidates(name string) []string {
	var out []string
	if d.Override != "" {
		out = append(out, filepath.Join(d.Override, name))
	}
	for _, root := range []string{d.User, d.System} {
		if root != "" {
			out = append(out, filepath.Join(root, "streamhub", name))
		}
	}
	return out
}

// Pick returns the first candidate accepted by exists, or the last candidate
// when none is. It returns "" when there are no candidates.
func (d SearchDirs) Pick(name string, exists func(string) bool) string {
	c := d.Candidates(name)
	if len(c) == 0 {
		return ""
	}
	for _, p := range c {
		if exists(p) {
			return p
		}
	}
	return c[len(c)-1]
}

// DefaultConfigPath returns where name (e.g. "server.yaml") is read from on
// this machine.
func DefaultConfigPath(name string) string {
	return LookupDirs(runtime.GOOS).Pick(name, fileExists)
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}
