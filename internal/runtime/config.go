package runtime

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Kind of image configuration directive.
type DirectiveKind string

const (
	DirectiveLabel      DirectiveKind = "label"
	DirectiveEnv        DirectiveKind = "env"
	DirectivePort       DirectiveKind = "port"
	DirectiveVolume     DirectiveKind = "volume"
	DirectiveEntrypoint DirectiveKind = "entrypoint"
	DirectiveCmd        DirectiveKind = "cmd"
	DirectiveUser       DirectiveKind = "user"
)

// A single piece of image metadata to embed at commit time.
//
// Directives are plain values so that step sequences can be compared and
// printed without a container tool.
type Directive struct {
	Kind  DirectiveKind
	Key   string   // Label or variable name; port or volume path.
	Value string   // Label or variable value; user.
	Args  []string // Entrypoint or command arguments.
}

// Sets an image label.
func Label(key, value string) Directive {
	return Directive{Kind: DirectiveLabel, Key: key, Value: value}
}

// Sets an environment variable.
func Env(key, value string) Directive {
	return Directive{Kind: DirectiveEnv, Key: key, Value: value}
}

// Declares an exposed port, optionally with a protocol ("8080/tcp").
func Port(port string) Directive {
	return Directive{Kind: DirectivePort, Key: port}
}

// Declares a volume mount point.
func Volume(path string) Directive {
	return Directive{Kind: DirectiveVolume, Key: path}
}

// Sets the entrypoint in exec form.
func Entrypoint(args ...string) Directive {
	return Directive{Kind: DirectiveEntrypoint, Args: append([]string{}, args...)}
}

// Sets the default command in exec form. With no arguments the command is
// explicitly cleared.
func Cmd(args ...string) Directive {
	return Directive{Kind: DirectiveCmd, Args: append([]string{}, args...)}
}

// Sets the user processes run as.
func User(user string) Directive {
	return Directive{Kind: DirectiveUser, Value: user}
}

// Formats the directive as "kind key=value" for logs.
func (d Directive) String() string {
	switch d.Kind {
	case DirectiveLabel, DirectiveEnv:
		return fmt.Sprintf("%s %s=%s", d.Kind, d.Key, d.Value)
	case DirectivePort, DirectiveVolume:
		return fmt.Sprintf("%s %s", d.Kind, d.Key)
	case DirectiveEntrypoint, DirectiveCmd:
		return fmt.Sprintf("%s [%s]", d.Kind, strings.Join(d.Args, " "))
	default:
		return fmt.Sprintf("%s %s", d.Kind, d.Value)
	}
}

// Accumulated image configuration of a working container.
//
// Maps and sets make every directive idempotent: the last write for a key
// wins and directives touching different keys commute. Nil Entrypoint and
// Cmd mean "inherit from the base image"; a non-nil empty Cmd clears it.
type ImageConfig struct {
	Labels     map[string]string
	Env        map[string]string
	Ports      map[string]struct{}
	Volumes    map[string]struct{}
	Entrypoint []string
	Cmd        []string
	User       string
}

// Creates an empty [ImageConfig].
func NewImageConfig() *ImageConfig {
	return &ImageConfig{
		Labels:  make(map[string]string),
		Env:     make(map[string]string),
		Ports:   make(map[string]struct{}),
		Volumes: make(map[string]struct{}),
	}
}

// Applies directives in order.
//
// Directives are validated before any is applied, so a failed call leaves
// the configuration unchanged.
func (c *ImageConfig) Apply(directives ...Directive) error {
	for _, d := range directives {
		if err := d.validate(); err != nil {
			return err
		}
	}

	for _, d := range directives {
		switch d.Kind {
		case DirectiveLabel:
			c.Labels[d.Key] = d.Value
		case DirectiveEnv:
			c.Env[d.Key] = d.Value
		case DirectivePort:
			c.Ports[d.Key] = struct{}{}
		case DirectiveVolume:
			c.Volumes[d.Key] = struct{}{}
		case DirectiveEntrypoint:
			c.Entrypoint = append([]string{}, d.Args...)
		case DirectiveCmd:
			c.Cmd = append([]string{}, d.Args...)
		case DirectiveUser:
			c.User = d.Value
		}
	}
	return nil
}

// Checks that a directive carries the fields its kind requires.
func (d Directive) validate() error {
	switch d.Kind {
	case DirectiveLabel, DirectiveEnv, DirectivePort, DirectiveVolume:
		if d.Key == "" {
			return fmt.Errorf("%w: %s directive without key", ErrInvalidConfig, d.Kind)
		}
		if strings.ContainsRune(d.Key, '=') && d.Kind != DirectivePort && d.Kind != DirectiveVolume {
			return fmt.Errorf("%w: %s key %q contains '='", ErrInvalidConfig, d.Kind, d.Key)
		}
	case DirectiveEntrypoint, DirectiveCmd:
	case DirectiveUser:
		if d.Value == "" {
			return fmt.Errorf("%w: empty user", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown directive %q", ErrInvalidConfig, d.Kind)
	}
	return nil
}

// Returns a deep copy of the configuration.
func (c *ImageConfig) Clone() *ImageConfig {
	clone := &ImageConfig{
		Labels:  maps.Clone(c.Labels),
		Env:     maps.Clone(c.Env),
		Ports:   maps.Clone(c.Ports),
		Volumes: maps.Clone(c.Volumes),
		User:    c.User,
	}
	if c.Entrypoint != nil {
		clone.Entrypoint = slices.Clone(c.Entrypoint)
	}
	if c.Cmd != nil {
		clone.Cmd = slices.Clone(c.Cmd)
	}
	return clone
}

// Reports whether no directive has been applied.
func (c *ImageConfig) IsEmpty() bool {
	return len(c.Labels) == 0 && len(c.Env) == 0 && len(c.Ports) == 0 &&
		len(c.Volumes) == 0 && c.Entrypoint == nil && c.Cmd == nil && c.User == ""
}

// Formats the environment as sorted "key=value" strings.
func (c *ImageConfig) Environ() []string {
	return joinSorted(c.Env)
}

// Formats the labels as sorted "key=value" strings.
func (c *ImageConfig) LabelList() []string {
	return joinSorted(c.Labels)
}

// Returns the declared ports in sorted order.
func (c *ImageConfig) PortList() []string {
	return slices.Sorted(maps.Keys(c.Ports))
}

// Returns the declared volumes in sorted order.
func (c *ImageConfig) VolumeList() []string {
	return slices.Sorted(maps.Keys(c.Volumes))
}

// Expands the configuration back into directives in a canonical order.
//
// Drivers that configure images incrementally replay these; applying them to
// an empty configuration reproduces c.
func (c *ImageConfig) Directives() []Directive {
	var out []Directive
	for _, k := range slices.Sorted(maps.Keys(c.Labels)) {
		out = append(out, Label(k, c.Labels[k]))
	}
	for _, k := range slices.Sorted(maps.Keys(c.Env)) {
		out = append(out, Env(k, c.Env[k]))
	}
	for _, p := range c.PortList() {
		out = append(out, Port(p))
	}
	for _, v := range c.VolumeList() {
		out = append(out, Volume(v))
	}
	if c.Entrypoint != nil {
		out = append(out, Entrypoint(c.Entrypoint...))
	}
	if c.Cmd != nil {
		out = append(out, Cmd(c.Cmd...))
	}
	if c.User != "" {
		out = append(out, User(c.User))
	}
	return out
}

func joinSorted(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		out = append(out, k+"="+m[k])
	}
	return out
}
