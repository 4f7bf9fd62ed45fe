package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCandidatesOrder(t *testing.T) {
	d := SearchDirs{Override: "/opt/sh", User: "/home/u/.config", System: "/etc"}
	got := d.Candidates("server.yaml")
	want := []string{
		filepath.Join("/opt/sh", "server.yaml"),
		filepath.Join("/home/u/.config", "streamhub", "server.yaml"),
		filepath.Join("/etc", "streamhub", "server.yaml"),
	}
	if len(got) != len(want) {
		t.Fatalf("candidates = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidates = %v; want %v", got, want)
		}
	}
	if c := (SearchDirs{System: "/etc"}).Candidates("x.yaml"); len(c) != 1 {
		t.Fatalf("empty roots should be skipped: %v", c)
	}
}

func TestPickPrefersExistingFile(t *testing.T) {
	user := t.TempDir()
	d := SearchDirs{User: user, System: "/nonexistent"}
	if got := d.Pick("server.yaml", fileExists); got != filepath.Join("/nonexistent", "streamhub", "server.yaml") {
		t.Fatalf("fallback = %q", got)
	}
	p := filepath.Join(user, "streamhub", "server.yaml")
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte("port: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := d.Pick("server.yaml", fileExists); got != p {
		t.Fatalf("picked %q; want %q", got, p)
	}
	if got := (SearchDirs{}).Pick("server.yaml", fileExists); got != "" {
		t.Fatalf("no roots picked %q", got)
	}
}

func TestLookupDirsOverride(t *testing.T) {
	t.Setenv("STREAMHUB_CONFIG_DIR", "/srv/conf")
	d := LookupDirs("linux")
	if d.Override != "/srv/conf" || d.System != "/etc" {
		t.Fatalf("dirs = %+v", d)
	}
	if w := LookupDirs("windows"); w.System == "" {
		t.Fatalf("windows system dir empty")
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("STREAMHUB_TEST_ENV", "")
	t.Setenv("TEST_ENV", "")
	if v := GetEnv("TEST_ENV", "def"); v != "def" {
		t.Fatalf("empty env should fall back, got %q", v)
	}
	t.Setenv("TEST_ENV", "bare")
	if v := GetEnv("TEST_ENV", "def"); v != "bare" {
		t.Fatalf("got %q", v)
	}
	t.Setenv("STREAMHUB_TEST_ENV", "prefixed")
	if v := GetEnv("TEST_ENV", "def"); v != "prefixed" {
		t.Fatalf("prefixed key should win, got %q", v)
	}
}
