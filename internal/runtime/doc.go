// Package runtime defines the contract between the build engine and the
// external image-building tool.
//
// A [Tool] exposes the primitives every other build behavior is composed
// from: creating a working container from an image, running a command in
// it, copying files in, setting image configuration, committing the
// container to a named image, listing images by name prefix, and deleting
// an image. Working containers are released with [Tool.RemoveContainer].
//
// Drivers live in subpackages. The buildah driver shells out to the buildah
// binary, the containerd driver talks to a containerd daemon directly, and
// the docker driver uses the Docker Engine API. The runtimetest subpackage
// provides an in-memory implementation for tests.
//
// Image configuration is expressed as [Directive] values and accumulated in
// an [ImageConfig]. Applying the same directive twice is a no-op, and the
// last value written for a key wins.
//
// Example usage:
//
//	info, err := tool.CreateContainer(ctx, "opensuse/leap:15.6", "core-build")
//	if err != nil {
//	    return err
//	}
//	defer tool.RemoveContainer(ctx, info.ID)
//
//	result, err := tool.Run(ctx, info.ID, []string{"mkdir", "-p", "/opt/app"})
//	if err != nil {
//	    return err
//	}
//
//	cfg := runtime.NewImageConfig()
//	cfg.Apply(runtime.Label("org.example.version", "1.0"))
//	if err := tool.Configure(ctx, info.ID, cfg); err != nil {
//	    return err
//	}
//
//	id, err := tool.Commit(ctx, info.ID, "example:1.0")
package runtime
