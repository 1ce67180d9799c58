// Package images makes sure the runtime images allowed by policy are
// present on the local Docker daemon before jobs reference them.
package images

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
)

// API is the subset of the Docker client used here.
type API interface {
	ImageInspectWithRaw(ctx context.Context, ref string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error)
}

type Puller struct {
	api    API
	logger *zap.Logger
}

// NewPuller connects to the daemon described by the DOCKER_* environment.
func NewPuller(logger *zap.Logger) (*Puller, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to docker: %w", err)
	}
	return NewPullerWithAPI(cli, logger), nil
}

func NewPullerWithAPI(api API, logger *zap.Logger) *Puller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Puller{api: api, logger: logger}
}

// Ensure pulls ref unless the daemon already has it. It reports whether a
// pull happened.
func (p *Puller) Ensure(ctx context.Context, ref string) (bool, error) {
	if _, _, err := p.api.ImageInspectWithRaw(ctx, ref); err == nil {
		p.logger.Debug("image present", zap.String("image", ref))
		return false, nil
	}

	p.logger.Info("pulling image", zap.String("image", ref))
	reader, err := p.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return false, fmt.Errorf("pulling image %s: %w", ref, err)
	}
	defer reader.Close()

	// The pull only finishes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return false, fmt.Errorf("pulling image %s: %w", ref, err)
	}
	p.logger.Info("pulled image", zap.String("image", ref))
	return true, nil
}

// EnsureAll runs Ensure for each ref, stopping at the first failure.
func (p *Puller) EnsureAll(ctx context.Context, refs []string) error {
	for _, ref := range refs {
		if _, err := p.Ensure(ctx, ref); err != nil {
			return err
		}
	}
	return nil
}
