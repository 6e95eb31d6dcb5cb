// Package fsperm checks that persisted wallet state is not readable by
// other users.
package fsperm

import (
	"os"
	"runtime"
	"testing"
)

// AssertPrivateDir fails unless dir is a directory with mode 0700.
func AssertPrivateDir(t testing.TB, dir string) {
	t.Helper()
	assertMode(t, dir, true, 0o700)
}

// AssertPrivateFile fails unless path is a regular file with mode 0600.
func AssertPrivateFile(t testing.TB, path string) {
	t.Helper()
	assertMode(t, path, false, 0o600)
}

func assertMode(t testing.TB, path string, dir bool, want os.FileMode) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	if info.IsDir() != dir {
		t.Fatalf("%s: directory=%v, want %v", path, info.IsDir(), dir)
	}
	// Windows has no POSIX permission bits.
	if runtime.GOOS == "windows" {
		return
	}
	if got := info.Mode().Perm(); got != want {
		t.Fatalf("%s: mode %04o, want %04o", path, got, want)
	}
}
