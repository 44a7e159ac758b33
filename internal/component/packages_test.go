package component

import (
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/pulsarkit/pulsar-setup/internal/spec"
)

func TestPackageManagersCoverSpec(t *testing.T) {
	for _, name := range spec.PackageManagers {
		pm, ok := packageManagers[name]
		if !ok {
			t.Fatalf("no commands for package manager %q", name)
		}
		if pm.install == nil || pm.addGroup == nil || pm.addUser == nil || len(pm.clean) == 0 {
			t.Fatalf("package manager %q is incomplete", name)
		}
	}
}

func TestPackageManagerInstall(t *testing.T) {
	tests := []struct {
		manager string
		flags   []string
		want    string
	}{
		{
			manager: "zypper",
			flags:   []string{"--no-recommends"},
			want:    "zypper --non-interactive refresh && zypper --non-interactive install --no-recommends curl 'gzip>=1.10'",
		},
		{
			manager: "apt",
			want:    "apt-get update && DEBIAN_FRONTEND=noninteractive apt-get install -y --no-install-recommends curl 'gzip>=1.10'",
		},
		{manager: "dnf", want: "dnf install -y curl 'gzip>=1.10'"},
		{manager: "apk", want: "apk add --no-cache curl 'gzip>=1.10'"},
	}

	for _, tt := range tests {
		t.Run(tt.manager, func(t *testing.T) {
			got := packageManagers[tt.manager].install([]string{"curl", "gzip>=1.10"}, tt.flags)
			want := []string{"sh", "-c", tt.want}
			if !slices.Equal(got, want) {
				t.Fatalf("install = %q, want %q", got, want)
			}
		})
	}
}

func TestPackageManagerUsers(t *testing.T) {
	zypper := packageManagers["zypper"]
	if got := strings.Join(zypper.addGroup(1002, "pulsar"), " "); got != "groupadd -r -g 1002 pulsar" {
		t.Fatalf("addGroup = %q", got)
	}
	got := zypper.addUser(1002, 1002, "pulsar", "/usr/local/pulsar", "Apache Pulsar Server")
	want := []string{"useradd", "-r", "-u", "1002", "-g", "1002", "-d", "/usr/local/pulsar", "-s", "/sbin/nologin", "-c", "Apache Pulsar Server", "pulsar"}
	if !slices.Equal(got, want) {
		t.Fatalf("addUser = %q, want %q", got, want)
	}

	apk := packageManagers["apk"]
	if got := apk.addUser(1, 2, "pulsar", "/p", "c"); got[0] != "adduser" || !slices.Contains(got, "-G") {
		t.Fatalf("apk addUser = %q", got)
	}
}

func TestJreDependency(t *testing.T) {
	v := spec.JavaVersion{Major: "21", Minor: "0.5", Build: "11"}

	tests := []struct {
		platform string
		url      string
		version  string
	}{
		{
			platform: "linux/amd64",
			url:      "https://github.com/adoptium/temurin21-binaries/releases/download/jdk-21.0.5%2B11/OpenJDK21U-jre_x64_linux_hotspot_21.0.5_11.tar.gz",
			version:  "21.0.5+11-x64",
		},
		{
			platform: "linux/arm64",
			url:      "https://github.com/adoptium/temurin21-binaries/releases/download/jdk-21.0.5%2B11/OpenJDK21U-jre_aarch64_linux_hotspot_21.0.5_11.tar.gz",
			version:  "21.0.5+11-aarch64",
		},
	}

	for _, tt := range tests {
		t.Run(tt.platform, func(t *testing.T) {
			dep, err := jreDependency(v, tt.platform)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if dep.URL != tt.url {
				t.Fatalf("url = %q, want %q", dep.URL, tt.url)
			}
			if dep.Version != tt.version || dep.Dest != "/opt/java" || dep.Strip != 1 {
				t.Fatalf("dependency = %+v", dep)
			}
		})
	}
}

func TestJreDependencyErrors(t *testing.T) {
	tests := []struct {
		name     string
		version  spec.JavaVersion
		platform string
	}{
		{name: "incomplete version", version: spec.JavaVersion{Major: "21"}, platform: "linux/amd64"},
		{name: "unsupported architecture", version: spec.JavaVersion{Major: "21", Minor: "0.5", Build: "11"}, platform: "linux/mips64"},
		{name: "malformed platform", version: spec.JavaVersion{Major: "21", Minor: "0.5", Build: "11"}, platform: "linux/amd64/v3/extra"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := jreDependency(tt.version, tt.platform); !errors.Is(err, spec.ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}
