package build

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/pulsarkit/pulsar-setup/internal/cachekey"
	"github.com/pulsarkit/pulsar-setup/internal/runtime"
	"github.com/pulsarkit/pulsar-setup/internal/runtime/runtimetest"
)

func TestExecuteStepRequiresOneOperation(t *testing.T) {
	tests := []struct {
		name string
		step Step
	}{
		{name: "none", step: Step{Name: "empty"}},
		{name: "two", step: Step{Name: "both", Run: []string{"true"}, Verify: []string{"true"}}},
		{name: "anonymous", step: Step{Run: []string{"true"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := runtimetest.New()
			ctr := openTestContainer(t, tool, nil)
			defer ctr.Close(context.Background())

			if err := executeStep(context.Background(), ctr, tt.step); !errors.Is(err, ErrBuild) {
				t.Fatalf("err = %v, want ErrBuild", err)
			}
			if n := len(tool.Runs()); n != 0 {
				t.Fatalf("%d commands ran, want 0", n)
			}
		})
	}
}

func TestExecuteStepDispatch(t *testing.T) {
	tool := runtimetest.New()
	tool.AddImage("demo-core:3.2.0")
	ctr := openTestContainer(t, tool, nil)
	defer ctr.Close(context.Background())

	steps := []Step{
		{Name: "run", Run: []string{"echo", "run"}},
		{Name: "verify", Verify: []string{"echo", "verify"}},
		{Name: "copy", Copy: &Copy{Image: "demo-core:3.2.0", Src: "/usr/local/pulsar", Dest: "/usr/local/pulsar"}},
		{Name: "config", Config: []runtime.Directive{runtime.User("pulsar")}},
	}
	if err := executeSteps(context.Background(), ctr, steps); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if tool.RunCount("echo run") != 1 || tool.RunCount("echo verify") != 1 {
		t.Fatalf("runs = %v", tool.Runs())
	}
	if ctr.Config().User != "pulsar" {
		t.Fatalf("user = %q, want pulsar", ctr.Config().User)
	}
}

func TestExecuteStepsReportsPosition(t *testing.T) {
	tool := runtimetest.New()
	tool.ExitCode = failOn("bad")
	ctr := openTestContainer(t, tool, nil)
	defer ctr.Close(context.Background())

	err := executeSteps(context.Background(), ctr, []Step{
		{Name: "good", Run: []string{"good"}},
		{Name: "bad", Run: []string{"bad"}},
		{Name: "never", Run: []string{"never"}},
	})
	if err == nil || !strings.Contains(err.Error(), "step 2 (bad)") {
		t.Fatalf("err = %v, want step 2 (bad)", err)
	}
	if tool.RunCount("never") != 0 {
		t.Fatal("step after failure ran")
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "/usr/local/pulsar", want: "/usr/local/pulsar"},
		{in: "https://example.com/a+b.tar.gz", want: "https://example.com/a+b.tar.gz"},
		{in: "", want: "''"},
		{in: "a b", want: "'a b'"},
		{in: "it's", want: `'it'\''s'`},
		{in: "$HOME", want: "'$HOME'"},
	}

	for _, tt := range tests {
		if got := ShellQuote(tt.in); got != tt.want {
			t.Errorf("ShellQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDependencyCommand(t *testing.T) {
	dep := Dependency{Name: "jre", Version: "21.0.5+11", URL: "https://example.com/jre?arch=x64&os=linux", Dest: "/opt/java", Strip: 1}

	argv := dep.command()
	if len(argv) != 3 || argv[0] != "sh" || argv[1] != "-c" {
		t.Fatalf("argv = %v", argv)
	}
	script := argv[2]
	for _, want := range []string{
		"mkdir -p /opt/java",
		"curl -fsSL 'https://example.com/jre?arch=x64&os=linux' -o /tmp/jre.tar.gz",
		"--strip-components=1",
		"rm -f /tmp/jre.tar.gz",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("script %q missing %q", script, want)
		}
	}
}

func TestDependencyKeysTrackVersion(t *testing.T) {
	a := Dependency{Name: "jre", Version: "21.0.5+11", URL: "https://x/a", Dest: "/opt/java"}
	b := a
	b.Version = "21.0.6+7"

	ka, err := cachekey.Derive("runtime", a.step(), a.command(), a.keys())
	if err != nil {
		t.Fatal(err)
	}
	kb, err := cachekey.Derive("runtime", b.step(), b.command(), b.keys())
	if err != nil {
		t.Fatal(err)
	}
	if ka == kb {
		t.Fatal("version is not part of the dependency keys")
	}
}

func TestExecuteStepInstallUsesStepID(t *testing.T) {
	tool := runtimetest.New()
	cache := newTestCache(t, tool)
	dep := Dependency{Name: "pulsar", Version: "3.2.0", URL: "https://archive.apache.org/pulsar.tar.gz", Dest: "/usr/local/pulsar", Strip: 1}

	tests := []struct {
		name string
		step Step
		runs int
	}{
		{name: "first", step: Step{Name: "download", ID: "download_extract", Install: &dep}, runs: 1},
		{name: "renamed", step: Step{Name: "fetch pulsar", ID: "download_extract", Install: &dep}, runs: 1},
		{name: "new id", step: Step{Name: "fetch pulsar", ID: "fetch", Install: &dep}, runs: 2},
	}

	for _, tt := range tests {
		ctr := openTestContainer(t, tool, cache)
		if err := executeStep(context.Background(), ctr, tt.step); err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		ctr.Close(context.Background())

		if n := tool.RunCount("curl -fsSL"); n != tt.runs {
			t.Fatalf("%s: download ran %d times, want %d", tt.name, n, tt.runs)
		}
	}
}
