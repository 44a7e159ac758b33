package buildah

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/pulsarkit/pulsar-setup/internal/runtime"
)

// Records invocations and answers them by subcommand.
type script struct {
	calls   [][]string
	answers map[string]result
}

func (s *script) exec(ctx context.Context, path string, args []string) (result, error) {
	s.calls = append(s.calls, slices.Clone(args))
	return s.answers[args[0]], nil
}

func newTestDriver(answers map[string]result) (*Driver, *script) {
	s := &script{answers: answers}
	return &Driver{path: "/usr/bin/buildah", exec: s.exec, users: make(map[string]string)}, s
}

func TestCreateContainer(t *testing.T) {
	d, s := newTestDriver(map[string]result{
		"from":    {stdout: "Getting image source signatures\ncore-build-1\n"},
		"inspect": {stdout: "sha256abc\n"},
	})

	info, err := d.CreateContainer(context.Background(), "opensuse/leap:15.6", "core-build-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.ID != "core-build-1" || info.ImageID != "sha256abc" {
		t.Fatalf("info = %+v", info)
	}

	want := []string{"from", "--pull=missing", "--quiet", "--name", "core-build-1", "opensuse/leap:15.6"}
	if !slices.Equal(s.calls[0], want) {
		t.Fatalf("args = %v, want %v", s.calls[0], want)
	}
}

func TestCreateContainerInspectFailureRemovesContainer(t *testing.T) {
	d, s := newTestDriver(map[string]result{
		"from":    {stdout: "ctr\n"},
		"inspect": {exitCode: 1, stderr: "boom"},
	})

	if _, err := d.CreateContainer(context.Background(), "img", "ctr"); !errors.Is(err, runtime.ErrRuntime) {
		t.Fatalf("err = %v, want ErrRuntime", err)
	}
	if last := s.calls[len(s.calls)-1]; !slices.Equal(last, []string{"rm", "ctr"}) {
		t.Fatalf("last call = %v, want rm", last)
	}
}

func TestRunPassesExitCode(t *testing.T) {
	d, s := newTestDriver(map[string]result{
		"run": {exitCode: 3, stderr: "no such file"},
	})

	res, err := d.Run(context.Background(), "ctr", []string{"sh", "-c", "exit 3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 3 || res.Stderr != "no such file" {
		t.Fatalf("result = %+v", res)
	}
	if !slices.Equal(s.calls[0], []string{"run", "ctr", "--", "sh", "-c", "exit 3"}) {
		t.Fatalf("args = %v", s.calls[0])
	}
}

func TestCopy(t *testing.T) {
	tests := []struct {
		name string
		src  runtime.CopySource
		want []string
	}{
		{
			name: "host",
			src:  runtime.CopySource{Path: "resources/entrypoint.sh"},
			want: []string{"copy", "--quiet", "ctr", "resources/entrypoint.sh", "/usr/local/bin/entrypoint.sh"},
		},
		{
			name: "image",
			src:  runtime.CopySource{Image: "demo-core:3.2.0", Path: "/usr/local/pulsar"},
			want: []string{"copy", "--quiet", "--from", "demo-core:3.2.0", "ctr", "/usr/local/pulsar", "/usr/local/bin/entrypoint.sh"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, s := newTestDriver(nil)
			if err := d.Copy(context.Background(), "ctr", tt.src, "/usr/local/bin/entrypoint.sh"); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !slices.Equal(s.calls[0], tt.want) {
				t.Fatalf("args = %v, want %v", s.calls[0], tt.want)
			}
		})
	}
}

func TestConfigArgs(t *testing.T) {
	cfg := runtime.NewImageConfig()
	err := cfg.Apply(
		runtime.User("1002"),
		runtime.Cmd(),
		runtime.Entrypoint("/usr/local/bin/entrypoint.sh"),
		runtime.Port("6650"),
		runtime.Env("PULSAR_HOME", "/usr/local/pulsar"),
		runtime.Label("org.apache.pulsar.version", "3.2.0"),
		runtime.Volume("/usr/local/pulsar/data"),
	)
	if err != nil {
		t.Fatal(err)
	}

	args, err := configArgs(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{
		"--label", "org.apache.pulsar.version=3.2.0",
		"--env", "PULSAR_HOME=/usr/local/pulsar",
		"--port", "6650",
		"--volume", "/usr/local/pulsar/data",
		"--entrypoint", `["/usr/local/bin/entrypoint.sh"]`,
		"--cmd", "[]",
	}
	if !slices.Equal(args, want) {
		t.Fatalf("args = %v\nwant   %v", args, want)
	}
}

func TestConfigureEmptyIsNoOp(t *testing.T) {
	d, s := newTestDriver(nil)
	if err := d.Configure(context.Background(), "ctr", runtime.NewImageConfig()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.calls) != 0 {
		t.Fatalf("calls = %v, want none", s.calls)
	}
}

func TestConfigureAppendsContainer(t *testing.T) {
	d, s := newTestDriver(nil)
	cfg := runtime.NewImageConfig()
	cfg.Apply(runtime.Env("A", "1"))

	if err := d.Configure(context.Background(), "ctr", cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(s.calls[0], []string{"config", "--env", "A=1", "ctr"}) {
		t.Fatalf("args = %v", s.calls[0])
	}
}

func TestCommit(t *testing.T) {
	d, s := newTestDriver(map[string]result{
		"commit": {stdout: "f00dfeed\n"},
	})

	id, err := d.Commit(context.Background(), "ctr", "demo-core:3.2.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "f00dfeed" {
		t.Fatalf("id = %q", id)
	}
	if !slices.Equal(s.calls[0], []string{"commit", "--quiet", "ctr", "demo-core:3.2.0"}) {
		t.Fatalf("args = %v", s.calls[0])
	}
}

func TestParseImages(t *testing.T) {
	out := `[
		{"id": "a1", "names": ["localhost/demo/cache/core/3.2.0:k1"]},
		{"id": "a2", "names": ["localhost/demo/cache/core/3.2.0:k2", "localhost/other:1"]},
		{"id": "a3", "names": ["localhost/demo/cache/core/3.2.01:k3"]},
		{"id": "a4", "names": null}
	]`

	imgs, err := parseImages(strings.NewReader(out), "demo/cache/core/3.2.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var ids []string
	for _, img := range imgs {
		ids = append(ids, img.ID)
	}
	if !slices.Equal(ids, []string{"a1", "a2"}) {
		t.Fatalf("ids = %v, want [a1 a2]", ids)
	}
}

func TestParseImagesEmptyOutput(t *testing.T) {
	imgs, err := parseImages(strings.NewReader(""), "demo")
	if err != nil || len(imgs) != 0 {
		t.Fatalf("parseImages = %v, %v", imgs, err)
	}
}

func TestParseImagesInvalid(t *testing.T) {
	if _, err := parseImages(strings.NewReader("{"), "demo"); !errors.Is(err, runtime.ErrRuntime) {
		t.Fatalf("err = %v, want ErrRuntime", err)
	}
}

func TestDeleteImageNotFound(t *testing.T) {
	d, _ := newTestDriver(map[string]result{
		"rmi": {exitCode: 1, stderr: "Error: localhost/demo:1: image not known"},
	})

	if err := d.DeleteImage(context.Background(), "demo:1"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteImageFailure(t *testing.T) {
	d, _ := newTestDriver(map[string]result{
		"rmi": {exitCode: 125, stderr: "image is in use by a container"},
	})

	err := d.DeleteImage(context.Background(), "demo:1")
	if !errors.Is(err, runtime.ErrRuntime) || errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("err = %v, want ErrRuntime only", err)
	}
}

func TestRemoveContainerMissingIsNoOp(t *testing.T) {
	d, _ := newTestDriver(map[string]result{
		"rm": {exitCode: 1, stderr: "container not known"},
	})
	if err := d.RemoveContainer(context.Background(), "gone"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLastLine(t *testing.T) {
	if got := lastLine("a\nb\n\n"); got != "b" {
		t.Fatalf("lastLine = %q", got)
	}
}

func TestUserAppliedAtCommit(t *testing.T) {
	d, s := newTestDriver(map[string]result{
		"commit": {stdout: "f00dfeed\n"},
	})
	cfg := runtime.NewImageConfig()
	cfg.Apply(runtime.Env("A", "1"), runtime.User("1002"))

	if err := d.Configure(context.Background(), "ctr", cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if _, err := d.Run(context.Background(), "ctr", []string{"chown", "-R", "1002", "/data"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := d.Commit(context.Background(), "ctr", "demo-runtime:3.2.0"); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	want := [][]string{
		{"config", "--env", "A=1", "ctr"},
		{"run", "ctr", "--", "chown", "-R", "1002", "/data"},
		{"config", "--user", "1002", "ctr"},
		{"commit", "--quiet", "ctr", "demo-runtime:3.2.0"},
	}
	if !slices.EqualFunc(s.calls, want, slices.Equal[[]string]) {
		t.Fatalf("calls = %v\nwant    %v", s.calls, want)
	}
}

func TestUserOnlyConfigureDefersCall(t *testing.T) {
	d, s := newTestDriver(nil)
	cfg := runtime.NewImageConfig()
	cfg.Apply(runtime.User("pulsar"))

	if err := d.Configure(context.Background(), "ctr", cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if len(s.calls) != 0 {
		t.Fatalf("calls = %v, want none before commit", s.calls)
	}
	if err := d.RemoveContainer(context.Background(), "ctr"); err != nil {
		t.Fatalf("RemoveContainer: %v", err)
	}
	if u := d.pendingUser("ctr"); u != "" {
		t.Fatalf("pending user = %q after removal", u)
	}
}
