// Package component builds the images of the Pulsar stack.
//
// Each image kind is a [Builder]: [Core] installs the Pulsar distribution on
// the base image, [Runtime] packages it with a Java runtime and an
// entrypoint, and [PostgresSink] adds the Postgres JDBC sink connector on top
// of the runtime layout. A builder turns the build specification into an
// ordered list of [build.Step] values (its plan) and hands the plan to
// [build.Run]; builders never talk to the image tool themselves.
//
// Image names, tags and cache prefixes default from the build spec and can
// be overridden through [Options]:
//
//	image        {ProjectName}-{component}:{ApachePulsar.Version}
//	cache prefix {ProjectName}/cache/{component}/{ApachePulsar.Version}
//
// The runtime and connector images start by copying the installation tree
// out of the core image, so the core image must be built first.
//
// Example usage:
//
//	core, err := component.NewCore(tool, s, component.Options{})
//	if err != nil {
//	    return err
//	}
//	if _, err := core.Build(ctx); err != nil {
//	    return err
//	}
package component
