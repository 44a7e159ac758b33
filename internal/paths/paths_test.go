package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/adrg/xdg"
)

func setConfigHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", home)
	t.Setenv("XDG_CONFIG_DIRS", filepath.Join(home, "system"))
	xdg.Reload()
	t.Cleanup(xdg.Reload)
	return home
}

func TestSpecFileExplicit(t *testing.T) {
	if got := SpecFile("stack/build.yaml"); got != "stack/build.yaml" {
		t.Fatalf("SpecFile = %q", got)
	}
}

func TestSpecFileWorkingDirectory(t *testing.T) {
	setConfigHome(t)
	dir := t.TempDir()
	t.Chdir(dir)

	if err := os.MkdirAll("configs", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(DefaultSpec, []byte("ProjectName: demo\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if got := SpecFile(""); got != DefaultSpec {
		t.Fatalf("SpecFile = %q, want %q", got, DefaultSpec)
	}
}

func TestSpecFileConfigHome(t *testing.T) {
	home := setConfigHome(t)
	t.Chdir(t.TempDir())

	want := filepath.Join(home, toolName, specFileName)
	if err := os.MkdirAll(filepath.Dir(want), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(want, []byte("ProjectName: demo\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if got := SpecFile(""); got != want {
		t.Fatalf("SpecFile = %q, want %q", got, want)
	}
	if got := Config(); got != filepath.Join(home, toolName) {
		t.Fatalf("Config = %q", got)
	}
}

func TestSpecFileFallback(t *testing.T) {
	setConfigHome(t)
	t.Chdir(t.TempDir())

	if got := SpecFile(""); got != DefaultSpec {
		t.Fatalf("SpecFile = %q, want %q", got, DefaultSpec)
	}
}
