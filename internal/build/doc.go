// Package build executes image builds against an image tool.
//
// A build starts a working container from a base image, runs an ordered list
// of declarative steps against it (shell commands, file copies, image config
// directives, dependency installs, verifications), and commits the result as
// a tagged image. Commit is the only durable artifact: a build that fails at
// any step leaves no final image behind.
//
// Steps marked as cached are keyed with [cachekey.Derive] and stored as
// intermediate images under a cache prefix. On a later build with the same
// key the working container is rebased onto the cached image and the command
// is skipped. Keys include the lineage of the working container (the base
// image ID folded with every earlier mutation), so a changed base image or an
// edited earlier step invalidates every cached step after it.
//
// Container operations are delegated to a [runtime.Tool]. The working
// container is released exactly once on every exit path, including
// cancellation.
//
// Example usage:
//
//	result, err := build.Run(ctx, tool, build.Options{
//	    Component:   "core",
//	    BaseImage:   "opensuse/leap:15.6",
//	    Image:       "demo-core:3.2.0",
//	    CachePrefix: "demo/cache/core/3.2.0",
//	    Steps:       steps,
//	})
//	if err != nil {
//	    return err
//	}
package build
