package component

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pulsarkit/pulsar-setup/internal/build"
	"github.com/pulsarkit/pulsar-setup/internal/cachekey"
	"github.com/pulsarkit/pulsar-setup/internal/runtime"
	"github.com/pulsarkit/pulsar-setup/internal/spec"
)

// File name of the connector archive inside {Prefix}/connectors.
const postgresSinkArchive = "pulsar-io-jdbc-postgres.nar"

// Builds the Postgres JDBC sink connector image for one connector version.
type PostgresSink struct {
	base
	version string
	release spec.ConnectorVersion
}

var _ Builder = (*PostgresSink)(nil)

// Creates a connector builder for the requested version.
//
// An empty version or "latest" selects PostgresSink.Current. The version is
// resolved before any image tool call, so an unknown version fails with
// [spec.ErrConfiguration] without touching the tool.
func NewPostgresSink(tool runtime.Tool, s *spec.BuildSpec, opts Options, version string) (*PostgresSink, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.PostgresSink == nil {
		return nil, fmt.Errorf("%w: PostgresSink is not configured", spec.ErrConfiguration)
	}

	name, release, err := s.PostgresSink.Resolve(version)
	if err != nil {
		return nil, err
	}

	return &PostgresSink{
		base:    newBase(tool, s, NamePostgresSink, opts),
		version: name,
		release: release,
	}, nil
}

// Returns the resolved connector version.
func (p *PostgresSink) Version() string {
	return p.version
}

// Returns the ordered build steps.
func (p *PostgresSink) Plan() ([]build.Step, error) {
	rt := p.spec.ApachePulsar.Runtime
	sink := p.spec.PostgresSink

	uid, gid := rt.Uid, rt.Gid
	if p.release.Uid != 0 {
		uid = p.release.Uid
	}
	if p.release.Gid != 0 {
		gid = p.release.Gid
	}

	java, err := p.javaSteps()
	if err != nil {
		return nil, err
	}

	deps := append(append([]string{}, rt.Dependencies...), p.release.Dependencies...)
	connectors := p.spec.ApachePulsar.Prefix + "/connectors"
	archive := connectors + "/" + postgresSinkArchive

	steps := []build.Step{p.coreTreeStep()}
	steps = append(steps, p.dependencySteps("install connector dependencies", deps, nil)...)
	steps = append(steps, p.cleanStep())
	steps = append(steps, java...)
	steps = append(steps,
		build.Step{Name: "prepare " + connectors, Run: []string{"mkdir", "-p", connectors}},
		build.Step{
			Name:   "download postgres sink connector " + p.version,
			ID:     "source",
			Run:    []string{"sh", "-c", "curl -fsSL " + build.ShellQuote(p.release.SourceUrl) + " -o " + archive},
			Cached: true,
			Keys: cachekey.Extra{
				"url":     cachekey.String(p.release.SourceUrl),
				"version": cachekey.String(p.version),
			},
		},
		build.Step{Name: "verify connector archive", Verify: []string{"test", "-s", archive}},
	)
	steps = append(steps, p.userSteps(uid, gid, "Postgres Connector for Apache Pulsar")...)

	env := append(p.runtimeEnv(),
		runtime.Env("POSTGRES_CONNECTOR_CONFIG_PATH", sink.ConfigPath),
		runtime.Env("POSTGRES_CONNECTOR_BROKER_URL", sink.BrokerUrl),
	)
	steps = append(steps, build.Step{Name: "set environment", Config: env})
	steps = append(steps, p.directorySteps(uid, gid)...)
	steps = append(steps, p.entrypointSteps("sinks_entrypoint.sh")...)

	process := []runtime.Directive{
		runtime.Entrypoint(entrypointPath),
		runtime.Cmd(),
		runtime.User(strconv.Itoa(uid)),
		runtime.Label("org.apache.pulsar.connector.postgres-sink.version", p.version),
	}
	for _, port := range rt.Ports {
		process = append(process, runtime.Port(strconv.Itoa(port)))
	}

	steps = append(steps,
		build.Step{Name: "configure process", Config: process},
		p.versionLabels(),
	)
	return steps, nil
}

// Builds and commits the connector image.
func (p *PostgresSink) Build(ctx context.Context) (*build.Result, error) {
	steps, err := p.Plan()
	if err != nil {
		return nil, err
	}
	return p.run(ctx, steps)
}
