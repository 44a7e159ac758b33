package component

import (
	"context"
	"strconv"

	"github.com/pulsarkit/pulsar-setup/internal/build"
	"github.com/pulsarkit/pulsar-setup/internal/runtime"
	"github.com/pulsarkit/pulsar-setup/internal/spec"
)

// Ports exposed by the runtime image when the build spec declares none.
var defaultRuntimePorts = []int{6650, 8080}

// Builds the runtime image: the core installation tree with a Java runtime,
// a pulsar system user, and an entrypoint running a standalone broker.
type Runtime struct {
	base
}

var _ Builder = (*Runtime)(nil)

// Creates a runtime builder. The build spec is validated first.
func NewRuntime(tool runtime.Tool, s *spec.BuildSpec, opts Options) (*Runtime, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &Runtime{base: newBase(tool, s, NameRuntime, opts)}, nil
}

// Returns the ordered build steps.
func (r *Runtime) Plan() ([]build.Step, error) {
	rt := r.spec.ApachePulsar.Runtime

	java, err := r.javaSteps()
	if err != nil {
		return nil, err
	}

	steps := []build.Step{r.coreTreeStep()}
	steps = append(steps, r.dependencySteps("install runtime dependencies", rt.Dependencies, nil)...)
	steps = append(steps, r.cleanStep())
	steps = append(steps, java...)
	steps = append(steps, r.userSteps(rt.Uid, rt.Gid, "Apache Pulsar Server")...)
	steps = append(steps, build.Step{Name: "set environment", Config: r.runtimeEnv()})
	steps = append(steps, r.directorySteps(rt.Uid, rt.Gid)...)
	steps = append(steps, r.entrypointSteps("entrypoint.sh")...)

	ports := rt.Ports
	if len(ports) == 0 {
		ports = defaultRuntimePorts
	}
	process := []runtime.Directive{
		runtime.Entrypoint(entrypointPath),
		runtime.Cmd("pulsar", "standalone"),
		runtime.User(strconv.Itoa(rt.Uid)),
	}
	for _, port := range ports {
		process = append(process, runtime.Port(strconv.Itoa(port)))
	}

	steps = append(steps,
		build.Step{Name: "configure process", Config: process},
		r.versionLabels(),
	)
	return steps, nil
}

// Builds and commits the runtime image.
func (r *Runtime) Build(ctx context.Context) (*build.Result, error) {
	steps, err := r.Plan()
	if err != nil {
		return nil, err
	}
	return r.run(ctx, steps)
}
