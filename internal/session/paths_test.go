package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHomeOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CHATCORE_HOME", dir)

	if got := BaseDir(); got != dir {
		t.Errorf("BaseDir() = %q, want %q", got, dir)
	}
	if got := DBPath("main"); !strings.HasPrefix(got, dir) {
		t.Errorf("DBPath() = %q, want under %q", got, dir)
	}
}

func TestPathsAreInstanceScoped(t *testing.T) {
	t.Setenv("CHATCORE_HOME", t.TempDir())

	a, b := Dir("a"), Dir("b")
	if a == b {
		t.Errorf("Dir(a) == Dir(b): %q", a)
	}
	if filepath.Dir(LogPath("a")) != LogDir("a") {
		t.Errorf("LogPath not under LogDir: %q", LogPath("a"))
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv("CHATCORE_HOME", t.TempDir())

	if err := EnsureDir("main"); err != nil {
		t.Fatalf("EnsureDir() error = %v", err)
	}
	for _, d := range []string{Dir("main"), LogDir("main")} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("stat %s: %v", d, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
		if perm := info.Mode().Perm(); perm != 0700 {
			t.Errorf("%s permission = %o, want 0700", d, perm)
		}
	}
}
