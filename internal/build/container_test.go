package build

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/pulsarkit/pulsar-setup/internal/cachekey"
	"github.com/pulsarkit/pulsar-setup/internal/runtime"
	"github.com/pulsarkit/pulsar-setup/internal/runtime/runtimetest"
)

const testBase = "opensuse/leap:15.6"

func openTestContainer(t *testing.T, tool *runtimetest.Tool, cache *Cache) *Container {
	t.Helper()
	ctr, err := Open(context.Background(), tool, ContainerOptions{
		Component: "core",
		BaseImage: testBase,
		Cache:     cache,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return ctr
}

func failOn(cmd string) func([]string) int {
	return func(argv []string) int {
		if slices.Contains(argv, cmd) {
			return 2
		}
		return 0
	}
}

func assertReleasedOnce(t *testing.T, tool *runtimetest.Tool) {
	t.Helper()
	released := tool.Released()
	if len(released) == 0 {
		t.Fatal("no container was released")
	}
	for id, n := range released {
		if n != 1 {
			t.Errorf("container %s released %d times, want 1", id, n)
		}
	}
	if n := tool.LiveContainers(); n != 0 {
		t.Errorf("%d containers still live", n)
	}
}

func TestOpenRequiresComponentAndBase(t *testing.T) {
	tool := runtimetest.New()
	if _, err := Open(context.Background(), tool, ContainerOptions{BaseImage: testBase}); !errors.Is(err, ErrBuild) {
		t.Fatalf("err = %v, want ErrBuild", err)
	}
	if _, err := Open(context.Background(), tool, ContainerOptions{Component: "core"}); !errors.Is(err, ErrBuild) {
		t.Fatalf("err = %v, want ErrBuild", err)
	}
}

func TestOpenUnavailableBase(t *testing.T) {
	tool := runtimetest.New()
	tool.Unavailable[testBase] = true
	if _, err := Open(context.Background(), tool, ContainerOptions{Component: "core", BaseImage: testBase}); !errors.Is(err, ErrBuild) {
		t.Fatalf("err = %v, want ErrBuild", err)
	}
}

func TestRunCommandError(t *testing.T) {
	tool := runtimetest.New()
	tool.ExitCode = failOn("false")
	ctr := openTestContainer(t, tool, nil)
	defer ctr.Close(context.Background())

	err := ctr.Run(context.Background(), "fail", "sh", "-c", "false")
	if !errors.Is(err, ErrCommandFailed) {
		t.Fatalf("err = %v, want ErrCommandFailed", err)
	}

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("err = %T, want *CommandError", err)
	}
	if cmdErr.Component != "core" || cmdErr.Step != "fail" || cmdErr.ExitCode != 2 {
		t.Fatalf("CommandError = %+v", cmdErr)
	}
	if !slices.Equal(cmdErr.Command, []string{"sh", "-c", "false"}) {
		t.Fatalf("Command = %v", cmdErr.Command)
	}
}

func TestFailedContainerRejectsOperations(t *testing.T) {
	tool := runtimetest.New()
	tool.ExitCode = failOn("false")
	ctr := openTestContainer(t, tool, nil)
	defer ctr.Close(context.Background())

	if err := ctr.Run(context.Background(), "fail", "false"); err == nil {
		t.Fatal("expected failure")
	}
	if err := ctr.Configure(context.Background(), runtime.Env("A", "1")); !errors.Is(err, ErrContainerState) {
		t.Fatalf("Configure err = %v, want ErrContainerState", err)
	}
	if _, err := ctr.Commit(context.Background(), "demo-core:3.2.0"); !errors.Is(err, ErrContainerState) {
		t.Fatalf("Commit err = %v, want ErrContainerState", err)
	}
}

func TestCommittedContainerRejectsOperations(t *testing.T) {
	tool := runtimetest.New()
	ctr := openTestContainer(t, tool, nil)
	defer ctr.Close(context.Background())

	if _, err := ctr.Commit(context.Background(), "demo-core:3.2.0"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := ctr.Run(context.Background(), "late", "true"); !errors.Is(err, ErrContainerState) {
		t.Fatalf("err = %v, want ErrContainerState", err)
	}
}

func TestCloseReleasesOnce(t *testing.T) {
	tool := runtimetest.New()
	ctr := openTestContainer(t, tool, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := ctr.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ctr.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	assertReleasedOnce(t, tool)

	if err := ctr.Run(context.Background(), "late", "true"); !errors.Is(err, ErrContainerState) {
		t.Fatalf("err = %v, want ErrContainerState", err)
	}
}

func TestVerify(t *testing.T) {
	tool := runtimetest.New()
	tool.ExitCode = failOn("missing")
	ctr := openTestContainer(t, tool, nil)
	defer ctr.Close(context.Background())

	if err := ctr.Verify(context.Background(), "check", "test", "-x", "present"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := ctr.Verify(context.Background(), "check", "test", "-x", "missing")
	if !errors.Is(err, ErrVerification) {
		t.Fatalf("err = %v, want ErrVerification", err)
	}
	if errors.Is(err, ErrCommandFailed) {
		t.Fatal("verification failure should not match ErrCommandFailed")
	}
}

func TestVerifyLeavesLineage(t *testing.T) {
	tool := runtimetest.New()
	ctr := openTestContainer(t, tool, nil)
	defer ctr.Close(context.Background())

	before := ctr.Lineage()
	if err := ctr.Verify(context.Background(), "check", "true"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctr.Lineage() != before {
		t.Fatal("verification changed the lineage")
	}
}

func TestConfigure(t *testing.T) {
	tool := runtimetest.New()
	ctr := openTestContainer(t, tool, nil)
	defer ctr.Close(context.Background())

	err := ctr.Configure(context.Background(),
		runtime.Env("A", "1"),
		runtime.Label("x", "y"),
		runtime.Env("A", "2"),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg := ctr.Config()
	if cfg.Env["A"] != "2" || cfg.Labels["x"] != "y" {
		t.Fatalf("config = %+v", cfg)
	}

	if err := ctr.Configure(context.Background(), runtime.Env("", "x")); !errors.Is(err, runtime.ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
	if ctr.Config().Env["A"] != "2" {
		t.Fatal("invalid directive changed the configuration")
	}
}

func TestCopyFromHost(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "entrypoint.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	tool := runtimetest.New()
	ctr := openTestContainer(t, tool, nil)
	defer ctr.Close(context.Background())

	if err := ctr.CopyFromHost(context.Background(), path, "/entrypoint.sh"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCopyFromHostMissing(t *testing.T) {
	tool := runtimetest.New()
	ctr := openTestContainer(t, tool, nil)
	defer ctr.Close(context.Background())

	err := ctr.CopyFromHost(context.Background(), filepath.Join(t.TempDir(), "missing"), "/x")
	if !errors.Is(err, ErrCopy) {
		t.Fatalf("err = %v, want ErrCopy", err)
	}
}

func TestCopyFromImage(t *testing.T) {
	tool := runtimetest.New()
	tool.AddImage("demo-core:3.2.0")
	ctr := openTestContainer(t, tool, nil)
	defer ctr.Close(context.Background())

	if err := ctr.CopyFromImage(context.Background(), "demo-core:3.2.0", "/usr/local/pulsar", "/usr/local/pulsar"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCopyFromImageMissing(t *testing.T) {
	tool := runtimetest.New()
	ctr := openTestContainer(t, tool, nil)
	defer ctr.Close(context.Background())

	err := ctr.CopyFromImage(context.Background(), "demo-core:3.2.0", "/usr/local/pulsar", "/usr/local/pulsar")
	if !errors.Is(err, ErrCopy) {
		t.Fatalf("err = %v, want ErrCopy", err)
	}
}

func TestRunCachedReusesCache(t *testing.T) {
	tool := runtimetest.New()
	cache := newTestCache(t, tool)
	argv := []string{"zypper", "install", "-y", "curl"}

	for i := range 2 {
		ctr := openTestContainer(t, tool, cache)
		if err := ctr.RunCached(context.Background(), "deps", argv, nil); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		ctr.Close(context.Background())
	}

	if n := tool.RunCount("zypper install"); n != 1 {
		t.Fatalf("command ran %d times, want 1", n)
	}
	assertReleasedOnce(t, tool)
}

func TestRunCachedLineageMatchesOnHitAndMiss(t *testing.T) {
	tool := runtimetest.New()
	cache := newTestCache(t, tool)
	argv := []string{"make"}

	var lineages []string
	for range 2 {
		ctr := openTestContainer(t, tool, cache)
		if err := ctr.RunCached(context.Background(), "make", argv, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		lineages = append(lineages, ctr.Lineage().String())
		ctr.Close(context.Background())
	}

	if lineages[0] != lineages[1] {
		t.Fatalf("lineage after miss %s differs from lineage after hit %s", lineages[0], lineages[1])
	}
}

func TestRunCachedExtraInputs(t *testing.T) {
	tool := runtimetest.New()
	cache := newTestCache(t, tool)
	argv := []string{"install-deps"}

	for _, deps := range [][]string{{"curl", "tar"}, {"tar", "curl"}, {"curl", "tar", "gzip"}} {
		ctr := openTestContainer(t, tool, cache)
		if err := ctr.RunCached(context.Background(), "deps", argv, cachekey.Extra{"deps": cachekey.Set(deps...)}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ctr.Close(context.Background())
	}

	if n := tool.RunCount("install-deps"); n != 2 {
		t.Fatalf("command ran %d times, want 2", n)
	}
}

func TestRunCachedInvalidatedByBaseImage(t *testing.T) {
	tool := runtimetest.New()
	base := tool.AddImage(testBase)
	cache := newTestCache(t, tool)

	build := func() {
		ctr := openTestContainer(t, tool, cache)
		defer ctr.Close(context.Background())
		if err := ctr.RunCached(context.Background(), "deps", []string{"install-deps"}, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	build()
	base.ID = "rebuilt-base"
	build()

	if n := tool.RunCount("install-deps"); n != 2 {
		t.Fatalf("command ran %d times, want 2", n)
	}
}

func TestRunCachedInvalidatedByEarlierCopy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entrypoint.sh")
	tool := runtimetest.New()
	cache := newTestCache(t, tool)

	build := func(content string) {
		if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
			t.Fatal(err)
		}
		ctr := openTestContainer(t, tool, cache)
		defer ctr.Close(context.Background())
		if err := ctr.CopyFromHost(context.Background(), path, "/entrypoint.sh"); err != nil {
			t.Fatalf("copy: %v", err)
		}
		if err := ctr.RunCached(context.Background(), "chmod", []string{"chmod", "+x", "/entrypoint.sh"}, nil); err != nil {
			t.Fatalf("run: %v", err)
		}
	}

	build("one")
	build("one")
	build("two")

	if n := tool.RunCount("chmod"); n != 2 {
		t.Fatalf("command ran %d times, want 2", n)
	}
}

func TestRunCachedRebaseKeepsConfig(t *testing.T) {
	tool := runtimetest.New()
	cache := newTestCache(t, tool)
	argv := []string{"install-deps"}
	env := runtime.Env("PULSAR_HOME", "/usr/local/pulsar")

	ctr := openTestContainer(t, tool, cache)
	if err := ctr.Configure(context.Background(), env); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := ctr.RunCached(context.Background(), "deps", argv, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctr.Close(context.Background())

	// Drop the configuration from the cache image so only the replay can
	// restore it.
	commits := tool.Commits()
	cached, ok := tool.Image(commits[len(commits)-1])
	if !ok {
		t.Fatal("cache image missing")
	}
	cached.Config = runtime.NewImageConfig()

	ctr = openTestContainer(t, tool, cache)
	defer ctr.Close(context.Background())

	if err := ctr.Configure(context.Background(), env); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := ctr.RunCached(context.Background(), "deps", argv, nil); err != nil {
		t.Fatalf("RunCached: %v", err)
	}
	if hits, _ := ctr.CacheStats(); hits != 1 {
		t.Fatalf("hits = %d, want 1", hits)
	}
	if _, err := ctr.Commit(context.Background(), "demo-core:3.2.0"); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	img, ok := tool.Image("demo-core:3.2.0")
	if !ok {
		t.Fatal("final image missing")
	}
	if img.Config.Env["PULSAR_HOME"] != "/usr/local/pulsar" {
		t.Fatalf("env = %v, want PULSAR_HOME kept across rebase", img.Config.Env)
	}
}

func TestRunCachedFailureCommitsNothing(t *testing.T) {
	tool := runtimetest.New()
	tool.ExitCode = failOn("broken")
	cache := newTestCache(t, tool)

	ctr := openTestContainer(t, tool, cache)
	err := ctr.RunCached(context.Background(), "deps", []string{"broken"}, nil)
	ctr.Close(context.Background())

	if !errors.Is(err, ErrCommandFailed) {
		t.Fatalf("err = %v, want ErrCommandFailed", err)
	}
	if commits := tool.Commits(); len(commits) != 0 {
		t.Fatalf("commits = %v, want none", commits)
	}
	assertReleasedOnce(t, tool)
}

func TestRunCachedWithoutCache(t *testing.T) {
	tool := runtimetest.New()
	for range 2 {
		ctr := openTestContainer(t, tool, nil)
		if err := ctr.RunCached(context.Background(), "deps", []string{"install-deps"}, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ctr.Close(context.Background())
	}
	if n := tool.RunCount("install-deps"); n != 2 {
		t.Fatalf("command ran %d times, want 2", n)
	}
}

func TestInstall(t *testing.T) {
	tool := runtimetest.New()
	cache := newTestCache(t, tool)
	dep := Dependency{
		Name:    "jre",
		Version: "21.0.5+11",
		URL:     "https://api.adoptium.net/v3/binary/version/jdk-21.0.5+11/linux/x64/jre/hotspot/normal/eclipse",
		Dest:    "/opt/java",
		Strip:   1,
	}

	for range 2 {
		ctr := openTestContainer(t, tool, cache)
		if err := ctr.Install(context.Background(), dep); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ctr.Close(context.Background())
	}

	if n := tool.RunCount("curl -fsSL"); n != 1 {
		t.Fatalf("download ran %d times, want 1", n)
	}
}

func TestInstallRejectsInvalidDependency(t *testing.T) {
	tool := runtimetest.New()
	ctr := openTestContainer(t, tool, nil)
	defer ctr.Close(context.Background())

	if err := ctr.Install(context.Background(), Dependency{Name: "jre", URL: "https://x/y", Dest: "opt"}); !errors.Is(err, ErrBuild) {
		t.Fatalf("err = %v, want ErrBuild", err)
	}
	if err := ctr.Run(context.Background(), "late", "true"); !errors.Is(err, ErrContainerState) {
		t.Fatalf("err = %v, want ErrContainerState", err)
	}
}

func TestHashPath(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a"), []byte("one"), 0o644); err != nil {
		t.Fatal(err)
	}

	first, err := hashPath(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	again, _ := hashPath(dir)
	if first != again {
		t.Fatal("digest is not stable")
	}

	if err := os.WriteFile(filepath.Join(dir, "b"), []byte("two"), 0o644); err != nil {
		t.Fatal(err)
	}
	added, _ := hashPath(dir)
	if added == first {
		t.Fatal("adding a file did not change the digest")
	}

	if _, err := hashPath(filepath.Join(dir, "missing")); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestCopyRejectsRelativeDestination(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	tool := runtimetest.New()
	ctr := openTestContainer(t, tool, nil)
	defer ctr.Close(context.Background())

	if err := ctr.CopyFromHost(context.Background(), path, "relative/f"); !errors.Is(err, ErrCopy) {
		t.Fatalf("err = %v, want ErrCopy", err)
	}
}

func TestConfigureChangesLineage(t *testing.T) {
	tool := runtimetest.New()

	lineage := func(directives ...runtime.Directive) string {
		t.Helper()
		ctr := openTestContainer(t, tool, nil)
		defer ctr.Close(context.Background())
		if err := ctr.Configure(context.Background(), directives...); err != nil {
			t.Fatalf("Configure: %v", err)
		}
		return ctr.Lineage().String()
	}

	a := lineage(runtime.Env("A", "1"), runtime.Label("x", "y"))
	b := lineage(runtime.Label("x", "y"), runtime.Env("A", "1"))
	c := lineage(runtime.Env("A", "2"), runtime.Label("x", "y"))

	if a != b {
		t.Fatal("order of independent directives changed the lineage")
	}
	if a == c {
		t.Fatal("changed env left the lineage unchanged")
	}
}
