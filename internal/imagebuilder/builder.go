// Package imagebuilder derives per-site container images from a base
// image plus a package list. Images are content addressed: the same
// base and package list always map to the same tag, so an image is
// built at most once and reused across sites and restarts.
package imagebuilder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Rushilwiz/director4/internal/sandbox"
	"github.com/Rushilwiz/director4/schema"
	"pkt.systems/pslog"
)

const tagPrefix = "director/site-env:"

// ImageStore answers local image presence queries.
type ImageStore interface {
	ImageExists(ctx context.Context, image string) (bool, error)
}

// Metrics receives build cache outcomes. Implementations must be safe
// for concurrent use.
type Metrics interface {
	ImageBuildCacheHit()
	ImageBuildCacheMiss()
	ImageBuildFailed()
}

// Builder ensures per-site environment images exist.
type Builder struct {
	backend sandbox.Builder
	store   ImageStore
	catalog *Catalog
	timeout time.Duration
	metrics Metrics

	flight singleflight.Group
}

// New constructs an image builder.
func New(backend sandbox.Builder, store ImageStore, catalog *Catalog, timeout time.Duration, metrics Metrics) *Builder {
	return &Builder{
		backend: backend,
		store:   store,
		catalog: catalog,
		timeout: timeout,
		metrics: metrics,
	}
}

// Tag returns the image tag for a build spec.
func Tag(spec schema.ImageBuildSpec) string {
	return tagPrefix + spec.Key()
}

// Ensure returns a handle for the environment image described by the
// spec, building it if it is not already present. Concurrent calls
// for the same key share one build.
func (b *Builder) Ensure(ctx context.Context, spec schema.ImageBuildSpec) (schema.ImageHandle, error) {
	baseRef, err := b.catalog.Resolve(spec.BaseImage)
	if err != nil {
		return schema.ImageHandle{}, err
	}
	resolved := schema.ImageBuildSpec{BaseImage: baseRef, Packages: spec.Packages}
	key := resolved.Key()
	tag := tagPrefix + key
	log := pslog.Ctx(ctx).With("image_key", key)

	exists, err := b.store.ImageExists(ctx, tag)
	if err != nil {
		return schema.ImageHandle{}, err
	}
	if exists {
		log.Debug("image build cache hit", "tag", tag)
		if b.metrics != nil {
			b.metrics.ImageBuildCacheHit()
		}
		return schema.ImageHandle{Key: key, Ref: tag}, nil
	}

	result, err, _ := b.flight.Do(key, func() (any, error) {
		// Re-check under the flight: a concurrent caller may have
		// finished the build while we waited.
		exists, err := b.store.ImageExists(ctx, tag)
		if err != nil {
			return nil, err
		}
		if exists {
			return schema.ImageHandle{Key: key, Ref: tag}, nil
		}
		if b.metrics != nil {
			b.metrics.ImageBuildCacheMiss()
		}
		log.Info("image build start", "base", baseRef, "packages", len(resolved.Packages))
		if err := b.build(ctx, resolved, tag); err != nil {
			log.Warn("image build failed", "err", err)
			if b.metrics != nil {
				b.metrics.ImageBuildFailed()
			}
			return nil, err
		}
		log.Info("image build ok", "tag", tag)
		return schema.ImageHandle{Key: key, Ref: tag}, nil
	})
	if err != nil {
		return schema.ImageHandle{}, err
	}
	return result.(schema.ImageHandle), nil
}

func (b *Builder) build(ctx context.Context, spec schema.ImageBuildSpec, tag string) error {
	events := make(chan sandbox.BuildEvent, 64)
	done := make(chan struct{})
	var failedStep string
	go func() {
		defer close(done)
		for event := range events {
			if event.Kind == sandbox.BuildEventVertexCompleted && event.Error != "" {
				failedStep = event.Name
			}
		}
	}()

	_, err := b.backend.BuildWithEvents(ctx, sandbox.BuildSpec{
		ContainerfileData: Containerfile(spec),
		Tags:              []string{tag},
		Timeout:           b.timeout,
	}, events)
	close(events)
	<-done

	if err != nil {
		return &schema.BuildError{
			Key:     spec.Key(),
			Base:    spec.BaseImage,
			Package: offendingPackage(failedStep, spec.Packages),
			Err:     err,
		}
	}
	return nil
}

// Containerfile renders the build recipe for a spec. Each package is
// installed in its own step so a failure names the package that broke
// the build.
func Containerfile(spec schema.ImageBuildSpec) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "FROM %s\n", spec.BaseImage)
	sb.WriteString("ENV DEBIAN_FRONTEND=noninteractive\n")
	if len(spec.Packages) > 0 {
		sb.WriteString("RUN apt-get update\n")
		for _, pkg := range spec.Packages {
			fmt.Fprintf(&sb, "RUN apt-get install -y --no-install-recommends %s\n", pkg)
		}
		sb.WriteString("RUN rm -rf /var/lib/apt/lists/*\n")
	}
	return []byte(sb.String())
}

// offendingPackage extracts the package name from a failed install
// step's vertex name.
func offendingPackage(step string, packages []string) string {
	if step == "" {
		return ""
	}
	for _, pkg := range packages {
		if strings.HasSuffix(step, " "+pkg) || strings.Contains(step, " "+pkg+" ") {
			return pkg
		}
	}
	return ""
}
