package component

import (
	"strconv"
	"strings"

	"github.com/pulsarkit/pulsar-setup/internal/build"
)

// Commands for driving a distribution's package manager and user tools.
type packageManager struct {
	install  func(packages, flags []string) []string
	clean    []string
	addGroup func(gid int, name string) []string
	addUser  func(uid, gid int, name, home, comment string) []string
}

// Package managers by spec name. The keys match spec.PackageManagers.
var packageManagers = map[string]packageManager{
	"zypper": {
		install: func(packages, flags []string) []string {
			return shell(
				"zypper --non-interactive refresh",
				"zypper --non-interactive install "+words(flags, packages),
			)
		},
		clean:    []string{"zypper", "clean", "--all"},
		addGroup: groupadd,
		addUser:  useradd,
	},
	"apt": {
		install: func(packages, flags []string) []string {
			return shell(
				"apt-get update",
				"DEBIAN_FRONTEND=noninteractive apt-get install -y --no-install-recommends "+words(flags, packages),
			)
		},
		clean:    shell("apt-get clean", "rm -rf /var/lib/apt/lists/*"),
		addGroup: groupadd,
		addUser:  useradd,
	},
	"dnf": {
		install: func(packages, flags []string) []string {
			return shell("dnf install -y " + words(flags, packages))
		},
		clean:    []string{"dnf", "clean", "all"},
		addGroup: groupadd,
		addUser:  useradd,
	},
	"apk": {
		install: func(packages, flags []string) []string {
			return shell("apk add --no-cache " + words(flags, packages))
		},
		clean: shell("rm -rf /var/cache/apk/*"),
		addGroup: func(gid int, name string) []string {
			return []string{"addgroup", "-S", "-g", strconv.Itoa(gid), name}
		},
		addUser: func(uid, gid int, name, home, comment string) []string {
			return []string{"adduser", "-S", "-D", "-u", strconv.Itoa(uid), "-G", name,
				"-h", home, "-s", "/sbin/nologin", "-g", comment, name}
		},
	},
}

func groupadd(gid int, name string) []string {
	return []string{"groupadd", "-r", "-g", strconv.Itoa(gid), name}
}

func useradd(uid, gid int, name, home, comment string) []string {
	return []string{"useradd", "-r", "-u", strconv.Itoa(uid), "-g", strconv.Itoa(gid),
		"-d", home, "-s", "/sbin/nologin", "-c", comment, name}
}

// Joins commands with && into a single sh -c invocation.
func shell(commands ...string) []string {
	return []string{"sh", "-c", strings.Join(commands, " && ")}
}

// Quotes and joins flags followed by package names.
func words(flags, packages []string) string {
	quoted := make([]string, 0, len(flags)+len(packages))
	for _, w := range flags {
		quoted = append(quoted, build.ShellQuote(w))
	}
	for _, w := range packages {
		quoted = append(quoted, build.ShellQuote(w))
	}
	return strings.Join(quoted, " ")
}
