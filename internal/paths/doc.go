// Provides platform-appropriate paths for pulsar-setup.
//
// The build specification is looked up relative to the working directory
// first, following the layout of a checked-out stack repository, and then
// under the XDG configuration directories. The tool name "pulsar-setup" is
// used as the subdirectory under each base path.
package paths
