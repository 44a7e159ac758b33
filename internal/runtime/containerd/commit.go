package containerd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/containerd/containerd/v2/core/containers"
	"github.com/containerd/containerd/v2/core/content"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/containerd/v2/pkg/rootfs"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pulsarkit/pulsar-setup/internal/runtime"
)

// History entry recorded for every committed layer.
const commitCreatedBy = "pulsar-setup commit"

// Commits the container's filesystem changes and configuration to a named
// image record.
//
// The diff between the container's snapshot and its parent is stored as a
// new layer. The container's image manifest and config are copied, the layer
// and the pending configuration are applied, and the mutated blobs are
// written to the content store. The image record for ref is created, or
// retargeted when it already exists. A content lease protects the new blobs
// until the record references them.
func (d *Driver) Commit(ctx context.Context, containerID, ref string) (string, error) {
	name, err := qualifiedName(ref)
	if err != nil {
		return "", err
	}

	loaded, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", runtime.ErrRuntime, err)
	}

	info, err := loaded.Info(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", runtime.ErrRuntime, err)
	}

	ctx, done, err := d.client.WithLease(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", runtime.ErrRuntime, err)
	}
	defer done(context.WithoutCancel(ctx))

	layer, diffID, err := d.snapshotDiff(ctx, info)
	if err != nil {
		return "", fmt.Errorf("%w: computing diff: %w", runtime.ErrRuntime, err)
	}

	cfg := d.config(containerID)
	target, err := d.buildTarget(ctx, info.Image, name, func(manifest *ocispec.Manifest, config *ocispec.Image) {
		manifest.Layers = append(manifest.Layers, layer)
		config.RootFS.DiffIDs = append(config.RootFS.DiffIDs, diffID)
		config.History = append(config.History, ocispec.History{CreatedBy: commitCreatedBy})
		applyImageConfig(&config.Config, cfg)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", runtime.ErrRuntime, err)
	}

	if err := d.storeImage(ctx, name, target); err != nil {
		return "", fmt.Errorf("%w: storing %s: %w", runtime.ErrRuntime, name, err)
	}

	slog.Debug("image committed", "image", name, "digest", target.Digest)
	return target.Digest.String(), nil
}

// Points the image record name at target, creating the record if needed.
func (d *Driver) storeImage(ctx context.Context, name string, target ocispec.Descriptor) error {
	is := d.client.ImageService()
	img := images.Image{Name: name, Target: target}

	if _, err := is.Create(ctx, img); err != nil {
		if !errdefs.IsAlreadyExists(err) {
			return err
		}
		if _, err := is.Update(ctx, img, "target"); err != nil {
			return err
		}
	}
	return nil
}

// Writes the accumulated configuration into an OCI image config.
//
// Labels, exposed ports and volumes are merged with what the image already
// declares; environment entries override by key. Entrypoint, Cmd and User
// replace the inherited values only when set.
func applyImageConfig(dst *ocispec.ImageConfig, cfg *runtime.ImageConfig) {
	if len(cfg.Labels) > 0 {
		if dst.Labels == nil {
			dst.Labels = make(map[string]string, len(cfg.Labels))
		}
		maps.Copy(dst.Labels, cfg.Labels)
	}

	if len(cfg.Env) > 0 {
		dst.Env = mergeEnv(dst.Env, cfg.Environ())
	}

	if len(cfg.Ports) > 0 {
		if dst.ExposedPorts == nil {
			dst.ExposedPorts = make(map[string]struct{}, len(cfg.Ports))
		}
		for _, p := range cfg.PortList() {
			dst.ExposedPorts[portKey(p)] = struct{}{}
		}
	}

	if len(cfg.Volumes) > 0 {
		if dst.Volumes == nil {
			dst.Volumes = make(map[string]struct{}, len(cfg.Volumes))
		}
		for _, v := range cfg.VolumeList() {
			dst.Volumes[v] = struct{}{}
		}
	}

	if cfg.Entrypoint != nil {
		dst.Entrypoint = slices.Clone(cfg.Entrypoint)
	}
	if cfg.Cmd != nil {
		dst.Cmd = slices.Clone(cfg.Cmd)
	}
	if cfg.User != "" {
		dst.User = cfg.User
	}
}

// Returns the exposed-port key for a port, defaulting the protocol to tcp.
func portKey(port string) string {
	if strings.Contains(port, "/") {
		return port
	}
	return port + "/tcp"
}

// Computes the diff between the container's snapshot and its parent, returning
// the layer descriptor and its diff ID without modifying the image.
func (d *Driver) snapshotDiff(ctx context.Context, info containers.Container) (ocispec.Descriptor, digest.Digest, error) {
	layer, err := rootfs.CreateDiff(ctx,
		info.SnapshotKey,
		d.client.SnapshotService(info.Snapshotter),
		d.client.DiffService(),
	)
	if err != nil {
		return ocispec.Descriptor{}, "", err
	}

	diffID, err := images.GetDiffID(ctx, d.client.ContentStore(), layer)
	if err != nil {
		return ocispec.Descriptor{}, "", err
	}

	return layer, diffID, nil
}

// Builds the descriptor of the committed image by applying a mutation to the
// source image's manifest and config.
//
// The source image record is never modified.
func (d *Driver) buildTarget(ctx context.Context, source, name string, mutate func(*ocispec.Manifest, *ocispec.Image)) (ocispec.Descriptor, error) {
	img, err := d.client.ImageService().Get(ctx, source)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	target, index, err := d.resolveManifestDescriptor(ctx, img.Target, source)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	manifest, err := d.mutateManifest(ctx, target, name, mutate)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	if index == nil {
		return manifest, nil
	}

	// Other platforms' layers are typically absent from the content store,
	// so the committed index carries the updated manifest only.
	index.Manifests = []ocispec.Descriptor{manifest}
	return d.writeBlob(ctx, img.Target.MediaType, index, name+"-index", content.WithLabels(indexGCLabels(*index)))
}

// Resolves the image root descriptor to a platform-specific manifest.
//
// If the root is an OCI Image Index, the index is walked to find the manifest
// matching the driver's platform. Returns the manifest descriptor and the
// index, which is nil when the root is already a manifest. Index entries
// without platform metadata are probed by reading their image config.
func (d *Driver) resolveManifestDescriptor(ctx context.Context, root ocispec.Descriptor, imageName string) (ocispec.Descriptor, *ocispec.Index, error) {
	if !images.IsIndexType(root.MediaType) {
		return root, nil, nil
	}

	var idx ocispec.Index
	if err := d.readJSON(ctx, root, &idx); err != nil {
		return ocispec.Descriptor{}, nil, err
	}

	p, err := platforms.Parse(d.platform)
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}

	if i, ok := d.matchManifest(ctx, idx, platforms.OnlyStrict(p)); ok {
		return idx.Manifests[i], &idx, nil
	}

	if len(idx.Manifests) == 0 {
		return ocispec.Descriptor{}, nil, fmt.Errorf("%w: %s", runtime.ErrEmptyIndex, imageName)
	}
	return idx.Manifests[0], &idx, nil
}

// Searches the index for a manifest matching the given platform.
func (d *Driver) matchManifest(ctx context.Context, idx ocispec.Index, matcher platforms.MatchComparer) (int, bool) {
	for i, m := range idx.Manifests {
		if m.Platform != nil && matcher.Match(*m.Platform) {
			return i, true
		}
	}
	for i, m := range idx.Manifests {
		if m.Platform != nil || !images.IsManifestType(m.MediaType) {
			continue
		}
		if p, ok := d.configPlatform(ctx, m); ok && matcher.Match(p) {
			return i, true
		}
	}
	return 0, false
}

// Returns the platform declared in the image config a manifest references.
func (d *Driver) configPlatform(ctx context.Context, desc ocispec.Descriptor) (ocispec.Platform, bool) {
	var manifest ocispec.Manifest
	if err := d.readJSON(ctx, desc, &manifest); err != nil {
		return ocispec.Platform{}, false
	}
	var config ocispec.Image
	if err := d.readJSON(ctx, manifest.Config, &config); err != nil {
		return ocispec.Platform{}, false
	}
	return ocispec.Platform{
		OS:           config.OS,
		Architecture: config.Architecture,
		Variant:      config.Variant,
	}, true
}

// Reads the manifest and config, applies the mutation, and writes the
// updated blobs back to the content store.
func (d *Driver) mutateManifest(ctx context.Context, target ocispec.Descriptor, name string, mutate func(*ocispec.Manifest, *ocispec.Image)) (ocispec.Descriptor, error) {
	var manifest ocispec.Manifest
	if err := d.readJSON(ctx, target, &manifest); err != nil {
		return ocispec.Descriptor{}, err
	}

	var config ocispec.Image
	if err := d.readJSON(ctx, manifest.Config, &config); err != nil {
		return ocispec.Descriptor{}, err
	}

	mutate(&manifest, &config)

	configDesc, err := d.writeBlob(ctx, manifest.Config.MediaType, config, name+"-config")
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	manifest.Config = configDesc

	return d.writeBlob(ctx, target.MediaType, manifest, name+"-manifest", content.WithLabels(manifestGCLabels(manifest)))
}

// Loads a JSON blob from the content store.
func (d *Driver) readJSON(ctx context.Context, desc ocispec.Descriptor, v any) error {
	b, err := content.ReadBlob(ctx, d.client.ContentStore(), desc)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Serializes a value and writes it to the content store, returning the
// descriptor that references the stored blob.
func (d *Driver) writeBlob(ctx context.Context, mediaType string, v any, ref string, opts ...content.Opt) (ocispec.Descriptor, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	desc := ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(b),
		Size:      int64(len(b)),
	}
	if err := content.WriteBlob(ctx, d.client.ContentStore(), ref, bytes.NewReader(b), desc, opts...); err != nil {
		return ocispec.Descriptor{}, err
	}
	return desc, nil
}

// Computes containerd GC reference labels for a manifest's children.
//
// These labels allow containerd's garbage collector to trace reachability
// from the manifest blob to its config and layer blobs.
func manifestGCLabels(m ocispec.Manifest) map[string]string {
	labels := map[string]string{
		"containerd.io/gc.ref.content.config": m.Config.Digest.String(),
	}
	for i, layer := range m.Layers {
		labels[fmt.Sprintf("containerd.io/gc.ref.content.l.%d", i)] = layer.Digest.String()
	}
	return labels
}

// Computes containerd GC reference labels for an index's children.
func indexGCLabels(idx ocispec.Index) map[string]string {
	labels := make(map[string]string, len(idx.Manifests))
	for i, m := range idx.Manifests {
		labels[fmt.Sprintf("containerd.io/gc.ref.content.m.%d", i)] = m.Digest.String()
	}
	return labels
}
