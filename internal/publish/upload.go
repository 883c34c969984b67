package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cheggaaa/pb/v3"

	"github.com/dotmesh-io/dotscience-go/internal/hub"
	"github.com/dotmesh-io/dotscience-go/internal/platform/objectstore"
	"github.com/dotmesh-io/dotscience-go/internal/platform/retry"
	"github.com/dotmesh-io/dotscience-go/relocate"
)

// ArtifactStore receives the files of a run. rel is slash-separated and
// relative to the run root.
type ArtifactStore interface {
	PutArtifact(ctx context.Context, project hub.Project, rel string, body io.Reader, size int64) error
}

type ArtifactStoreFunc func(ctx context.Context, project hub.Project, rel string, body io.Reader, size int64) error

func (f ArtifactStoreFunc) PutArtifact(ctx context.Context, project hub.Project, rel string, body io.Reader, size int64) error {
	return f(ctx, project, rel, body, size)
}

type fileUploader interface {
	PutFile(ctx context.Context, account, workspace, rel string, body io.Reader, size int64) error
}

// HubStore writes artifacts through the platform's workspace object API.
func HubStore(c fileUploader) ArtifactStore {
	return ArtifactStoreFunc(func(ctx context.Context, project hub.Project, rel string, body io.Reader, size int64) error {
		return c.PutFile(ctx, project.Account, project.Workspace, rel, body, size)
	})
}

type objectPutter interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
}

// ObjectStore writes artifacts into an S3-compatible bucket, keyed like the
// workspace object API.
func ObjectStore(s objectPutter) ArtifactStore {
	return ArtifactStoreFunc(func(ctx context.Context, project hub.Project, rel string, body io.Reader, size int64) error {
		return s.Put(ctx, objectstore.Key(project.Account, project.Workspace, rel), body, size, "")
	})
}

// UploadArtifacts sends every file in paths to the store. Each file gets its
// own retry budget; exhausting it aborts the upload.
func (p *Publisher) UploadArtifacts(ctx context.Context, project hub.Project, rel *relocate.Relocator, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	fmt.Fprintf(p.diag, "Uploading %d run file(s)\n", len(paths))
	for _, path := range paths {
		abs := rel.Abs(path)
		info, err := os.Stat(abs)
		if err != nil {
			return fmt.Errorf("upload %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}

		attempts := p.opts.Upload.MaxAttempts
		pol := p.policy(p.opts.Upload, func(attempt int, err error) {
			if err == nil {
				return
			}
			if errors.Is(err, hub.ErrLocked) {
				fmt.Fprintf(p.diag, "Workspace %s is locked by another operation (attempt %d/%d)\n", project.Workspace, attempt, attempts)
				return
			}
			fmt.Fprintf(p.diag, "Upload of %s failed (attempt %d/%d): %v\n", path, attempt, attempts, err)
		})
		err = retry.Do(ctx, pol, func(ctx context.Context) error {
			return p.putFile(ctx, project, path, abs, info.Size())
		})
		if err != nil {
			return fmt.Errorf("upload %s: %w", path, err)
		}
		p.logger.Debug("artifact uploaded", "path", path, "bytes", info.Size())
	}
	return nil
}

func (p *Publisher) putFile(ctx context.Context, project hub.Project, rel, abs string, size int64) error {
	f, err := os.Open(abs)
	if err != nil {
		return err
	}
	defer f.Close()

	var body io.Reader = f
	if p.opts.ProgressBars {
		bar := pb.New64(size)
		bar.Set(pb.Bytes, true)
		bar.Set("prefix", rel+":")
		bar.SetWriter(p.diag)
		if err := bar.Err(); err != nil {
			return err
		}
		bar.Start()
		defer bar.Finish()
		body = bar.NewProxyReader(f)
	}
	return p.store.PutArtifact(ctx, project, rel, body, size)
}
