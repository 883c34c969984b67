package publish

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"

	"github.com/dotmesh-io/dotscience-go/internal/hub"
	"github.com/dotmesh-io/dotscience-go/internal/platform/retry"
)

// findModel waits for the platform to index a model from the run's commit.
func (p *Publisher) findModel(ctx context.Context, runID string) (hub.Model, error) {
	fmt.Fprint(p.diag, "Waiting for model")
	pol := p.policy(p.opts.Poll, func(int, error) {
		fmt.Fprint(p.diag, ".")
	})
	model, err := retry.Poll(ctx, pol, func(ctx context.Context) (hub.Model, bool, error) {
		models, err := p.platform.ListModels(ctx, runID)
		if err != nil {
			return hub.Model{}, false, err
		}
		if len(models) == 0 {
			return hub.Model{}, false, nil
		}
		return models[0], true, nil
	})
	fmt.Fprintln(p.diag)
	if err != nil {
		return hub.Model{}, fmt.Errorf("find model for run %s: %w", runID, err)
	}
	return model, nil
}

// BuildImage builds modelID into a serving image and returns its reference.
// A build the platform reports as failed stops polling at once.
func (p *Publisher) BuildImage(ctx context.Context, modelID string) (string, error) {
	build, err := p.platform.CreateBuild(ctx, modelID)
	if err != nil {
		return "", err
	}
	p.logger.Info("image build started", "model_id", modelID, "build_id", build.ID)
	fmt.Fprint(p.diag, "Building image")

	pol := p.policy(p.opts.Poll, func(attempt int, err error) {
		fmt.Fprint(p.diag, ".")
		if p.opts.SlowNoticeAfter > 0 && attempt == p.opts.SlowNoticeAfter {
			fmt.Fprint(p.diag, "\nThe build is taking longer than usual, still waiting")
		}
	})
	done, err := retry.Poll(ctx, pol, func(ctx context.Context) (hub.Build, bool, error) {
		b, err := p.platform.GetBuild(ctx, modelID, build.ID)
		if err != nil {
			return hub.Build{}, false, err
		}
		switch b.Status {
		case hub.BuildCompleted:
			return b, true, nil
		case hub.BuildFailed:
			return hub.Build{}, false, retry.Permanent(fmt.Errorf("build %s failed: %s", b.ID, b.Message))
		}
		return hub.Build{}, false, nil
	})
	fmt.Fprintln(p.diag)
	if err != nil {
		return "", fmt.Errorf("build model %s: %w", modelID, err)
	}

	ref, err := name.ParseReference(done.ImageName, name.WithDefaultRegistry(""))
	if err != nil {
		return "", fmt.Errorf("build %s returned image %q: %w", done.ID, done.ImageName, err)
	}
	fmt.Fprintf(p.diag, "Image: %s\n", ref.String())
	return ref.String(), nil
}
