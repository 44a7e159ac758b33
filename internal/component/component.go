package component

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/pulsarkit/pulsar-setup/internal/build"
	"github.com/pulsarkit/pulsar-setup/internal/cachekey"
	"github.com/pulsarkit/pulsar-setup/internal/runtime"
	"github.com/pulsarkit/pulsar-setup/internal/spec"
)

// Component names, used in image names, cache prefixes, and logs.
const (
	NameCore         = "core"
	NameRuntime      = "runtime"
	NamePostgresSink = "postgres-sink"
)

const (
	pulsarUser     = "pulsar"
	javaHome       = "/opt/java"
	entrypointPath = "/usr/local/bin/entrypoint.sh"
)

// Builds one image of the stack and manages its cache.
type Builder interface {

	// Executes the build plan and commits the final image.
	Build(ctx context.Context) (*build.Result, error)

	// Deletes every cache image under the builder's cache prefix and
	// returns how many were deleted.
	PruneCache(ctx context.Context) (int, error)
}

// Overrides for the defaults derived from the build specification.
type Options struct {
	ImageName   string // Final image name. Defaults to {ProjectName}-{component}.
	ImageTag    string // Final image tag. Defaults to ApachePulsar.Version.
	CachePrefix string // Cache prefix. Defaults to {ProjectName}/cache/{component}/{version}.
	CoreImage   string // Core image copied by dependent builders. Defaults to the core builder's image.
	Platform    string // Target platform for downloaded binaries. Defaults to the host platform.
}

// Naming and execution shared by every builder.
type base struct {
	tool        runtime.Tool
	spec        *spec.BuildSpec
	component   string
	image       string
	cachePrefix string
	coreImage   string
	platform    string
}

func newBase(tool runtime.Tool, s *spec.BuildSpec, component string, opts Options) base {
	name := opts.ImageName
	if name == "" {
		name = DefaultImageName(s, component)
	}

	tag := opts.ImageTag
	if tag == "" {
		tag = s.ApachePulsar.Version
	}

	prefix := opts.CachePrefix
	if prefix == "" {
		prefix = DefaultCachePrefix(s, component)
	}

	core := opts.CoreImage
	if core == "" {
		core = DefaultImageName(s, NameCore) + ":" + s.ApachePulsar.Version
	}

	return base{
		tool:        tool,
		spec:        s,
		component:   component,
		image:       name + ":" + tag,
		cachePrefix: prefix,
		coreImage:   core,
		platform:    opts.Platform,
	}
}

// Returns the default image name of a component, {ProjectName}-{component}.
func DefaultImageName(s *spec.BuildSpec, component string) string {
	return s.ProjectName + "-" + component
}

// Returns the default cache prefix of a component,
// {ProjectName}/cache/{component}/{ApachePulsar.Version}.
func DefaultCachePrefix(s *spec.BuildSpec, component string) string {
	return s.ProjectName + "/cache/" + component + "/" + s.ApachePulsar.Version
}

// Returns the final image reference (name:tag).
func (b *base) Image() string {
	return b.image
}

// Returns the cache prefix.
func (b *base) CachePrefix() string {
	return b.cachePrefix
}

// Runs a plan through the build engine.
func (b *base) run(ctx context.Context, steps []build.Step) (*build.Result, error) {
	slog.Info("starting build", "component", b.component, "version", b.spec.ApachePulsar.Version)

	result, err := build.Run(ctx, b.tool, build.Options{
		Component:   b.component,
		BaseImage:   b.spec.BaseImage,
		Image:       b.image,
		CachePrefix: b.cachePrefix,
		Steps:       steps,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("image tagged",
		"component", b.component,
		"image", result.Image,
		"cache_hits", result.CacheHits,
		"cache_misses", result.CacheMisses,
	)
	return result, nil
}

// Deletes the cache images of the component.
func (b *base) PruneCache(ctx context.Context) (int, error) {
	cache, err := build.NewCache(b.tool, b.cachePrefix)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", b.component, err)
	}
	return cache.Prune(ctx)
}

// Step installing packages through the cache. Nil when there is nothing to
// install. Packages are sorted and deduplicated so that their order in the
// build spec does not affect the cache key.
func (b *base) dependencySteps(name string, packages, flags []string) []build.Step {
	if len(packages) == 0 {
		return nil
	}

	packages = slices.Compact(slices.Sorted(slices.Values(packages)))

	pm := packageManagers[b.spec.PackageManager]
	return []build.Step{{
		Name:   name,
		ID:     "deps",
		Run:    pm.install(packages, flags),
		Cached: true,
		Keys: cachekey.Extra{
			"packages": cachekey.Set(packages...),
			"manager":  cachekey.String(b.spec.PackageManager),
		},
	}}
}

// Step clearing the package manager's caches.
func (b *base) cleanStep() build.Step {
	return build.Step{
		Name: "clean package cache",
		Run:  packageManagers[b.spec.PackageManager].clean,
	}
}

// Step copying the installation tree out of the core image.
func (b *base) coreTreeStep() build.Step {
	prefix := b.spec.ApachePulsar.Prefix
	return build.Step{
		Name: "retrieve pulsar artifacts from " + b.coreImage,
		ID:   "core-tree",
		Copy: &build.Copy{Image: b.coreImage, Src: prefix, Dest: prefix},
	}
}

// Steps installing the Java runtime and checking that it starts.
func (b *base) javaSteps() ([]build.Step, error) {
	dep, err := jreDependency(b.spec.ApachePulsar.Runtime.Java.Jre, b.platform)
	if err != nil {
		return nil, err
	}

	return []build.Step{
		{Name: "install java runtime " + dep.Version, Install: &dep},
		{Name: "verify java runtime", Verify: []string{javaHome + "/bin/java", "-version"}},
	}, nil
}

// Steps creating the pulsar system user and recording it in labels.
func (b *base) userSteps(uid, gid int, comment string) []build.Step {
	pm := packageManagers[b.spec.PackageManager]
	prefix := b.spec.ApachePulsar.Prefix

	return []build.Step{
		{Name: "create pulsar group", Run: pm.addGroup(gid, pulsarUser)},
		{Name: "create pulsar user", Run: pm.addUser(uid, gid, pulsarUser, prefix, comment)},
		{Name: "label pulsar user", Config: []runtime.Directive{
			runtime.Label("io.apache.pulsar.user.uid", strconv.Itoa(uid)),
			runtime.Label("io.apache.pulsar.user.gid", strconv.Itoa(gid)),
			runtime.Label("io.apache.pulsar.user.name", pulsarUser),
		}},
	}
}

// Environment shared by the runtime and connector images.
func (b *base) runtimeEnv() []runtime.Directive {
	prefix := b.spec.ApachePulsar.Prefix
	env := []runtime.Directive{
		runtime.Env("PATH", prefix+"/bin:"+javaHome+"/bin:/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"),
		runtime.Env("PULSAR_HOME", prefix),
		runtime.Env("LANG", "C.UTF-8"),
		runtime.Env("LC_ALL", "C.UTF-8"),
	}
	if gc := b.spec.ApachePulsar.Runtime.PulsarGc; len(gc) > 0 {
		env = append(env, runtime.Env("PULSAR_GC", strings.Join(gc, " ")))
	}
	return env
}

// Steps creating the data and logs directories, declaring them as volumes,
// and handing the installation tree to the pulsar user.
func (b *base) directorySteps(uid, gid int) []build.Step {
	prefix := b.spec.ApachePulsar.Prefix

	var steps []build.Step
	for _, dir := range []string{"data", "logs"} {
		full := prefix + "/" + dir
		steps = append(steps,
			build.Step{Name: "create " + full, Run: []string{"mkdir", "-p", full}},
			build.Step{Name: "declare volume " + full, Config: []runtime.Directive{runtime.Volume(full)}},
		)
	}

	return append(steps, build.Step{
		Name: "set ownership of " + prefix,
		Run:  []string{"chown", "-R", strconv.Itoa(uid) + ":" + strconv.Itoa(gid), prefix},
	})
}

// Steps copying an entrypoint script from the resources directory.
func (b *base) entrypointSteps(script string) []build.Step {
	src := b.spec.ApachePulsar.Runtime.Resources + "/" + script
	return []build.Step{
		{Name: "copy " + src, Copy: &build.Copy{Src: src, Dest: entrypointPath}},
		{Name: "make entrypoint executable", Run: []string{"chmod", "+x", entrypointPath}},
	}
}

// Labels recording the Pulsar version and install prefix.
func (b *base) versionLabels() build.Step {
	return build.Step{
		Name: "add version metadata",
		Config: []runtime.Directive{
			runtime.Label("org.apache.pulsar.version", b.spec.ApachePulsar.Version),
			runtime.Label("org.apache.pulsar.prefix", b.spec.ApachePulsar.Prefix),
		},
	}
}
