package dotscience

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dotmesh-io/dotscience-go/internal/config"
	"github.com/dotmesh-io/dotscience-go/internal/hub"
	"github.com/dotmesh-io/dotscience-go/internal/platform/objectstore"
	"github.com/dotmesh-io/dotscience-go/internal/publish"
	"github.com/dotmesh-io/dotscience-go/mode"
)

var ErrNotConnected = errors.New("remote mode requires Connect or DOTSCIENCE_* credentials")

// RemoteConfig identifies the platform and project a remote session
// publishes to. Either Token or Username and APIKey authenticate.
type RemoteConfig struct {
	URL      string
	Username string
	APIKey   string
	Token    string
	Project  string
	// Artifacts sends run files to an S3-compatible bucket instead of the
	// platform's workspace storage.
	Artifacts *ArtifactStoreConfig
}

type ArtifactStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
}

type remote struct {
	publisher *publish.Publisher
	project   hub.Project
}

// Connect selects remote mode and binds the session to a platform project,
// creating the project if it does not exist.
func (s *Session) Connect(ctx context.Context, rc RemoteConfig) error {
	if err := s.modes.SelectRemote(); err != nil {
		return err
	}
	if rc.URL == "" {
		rc.URL = config.DefaultURL
	}
	client, err := hub.New(hub.Config{
		URL:      rc.URL,
		Username: rc.Username,
		APIKey:   rc.APIKey,
		Token:    rc.Token,
	})
	if err != nil {
		return err
	}

	store := publish.HubStore(client)
	artifacts := s.artifacts
	if a := rc.Artifacts; a != nil {
		artifacts = objectstore.Config{
			Endpoint:  a.Endpoint,
			AccessKey: a.AccessKey,
			SecretKey: a.SecretKey,
			Region:    a.Region,
			UseSSL:    a.UseSSL,
			Bucket:    a.Bucket,
		}
		if artifacts.Region == "" {
			artifacts.Region = "us-east-1"
		}
	}
	if artifacts.Enabled() {
		ms, err := objectstore.NewMinioStore(artifacts)
		if err != nil {
			return fmt.Errorf("artifact store: %w", err)
		}
		if err := ms.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("artifact store: %w", err)
		}
		store = publish.ObjectStore(ms)
	}

	if err := s.connect(ctx, client, store, rc.Project); err != nil {
		return err
	}
	s.logger.Info("connected to dotscience", "url", client.BaseURL(), "project", rc.Project)
	return nil
}

func (s *Session) connect(ctx context.Context, platform publish.Platform, store publish.ArtifactStore, project string) error {
	opts := publish.OptionsFromConfig(s.retry)
	opts.Diagnostics = s.diag
	opts.Logger = s.logger
	opts.ProgressBars = s.progress
	opts.Sleep = s.sleep
	pub, err := publish.New(platform, store, opts)
	if err != nil {
		return err
	}
	p, err := pub.EnsureProject(ctx, project)
	if err != nil {
		return fmt.Errorf("project %q: %w", project, err)
	}
	s.remote = &remote{publisher: pub, project: p}
	return nil
}

// remoteSession returns the connected publisher, connecting with the
// environment's credentials if Connect was never called.
func (s *Session) remoteSession(ctx context.Context) (*remote, error) {
	if s.remote != nil {
		return s.remote, nil
	}
	if !s.defaults.Complete() {
		return nil, ErrNotConnected
	}
	err := s.Connect(ctx, RemoteConfig{
		URL:      s.defaults.URL,
		Username: s.defaults.Username,
		APIKey:   s.defaults.APIKey,
		Token:    s.defaults.Token,
		Project:  s.defaults.Project,
	})
	if err != nil {
		return nil, err
	}
	return s.remote, nil
}

// Result describes a published run. Only RunID is set outside remote mode.
type Result struct {
	RunID         string
	CommitID      string
	ImageName     string
	DeploymentURL string
	DashboardURL  string
}

type publishSettings struct {
	description *string
	build       bool
	deploy      bool
	out         io.Writer
}

type PublishOption func(*publishSettings)

func WithDescription(description string) PublishOption {
	return func(p *publishSettings) {
		p.description = &description
	}
}

// WithBuild builds the run's declared model into an image. Remote mode only.
func WithBuild() PublishOption {
	return func(p *publishSettings) {
		p.build = true
	}
}

// WithDeploy builds and deploys the run's declared model. Remote mode only.
func WithDeploy() PublishOption {
	return func(p *publishSettings) {
		p.build = true
		p.deploy = true
	}
}

// WithPayloadOutput writes this publish's payload to w instead of the
// session output.
func WithPayloadOutput(w io.Writer) PublishOption {
	return func(p *publishSettings) {
		p.out = w
	}
}

// Publish seals the current run and emits it. The run keeps its inputs,
// outputs and key/value data afterwards, so later publishes report them
// again under a new identity. Timing carries over too unless Start is
// called before the next publish.
func (s *Session) Publish(ctx context.Context, opts ...PublishOption) (Result, error) {
	ps := publishSettings{out: s.out}
	for _, opt := range opts {
		opt(&ps)
	}

	m, err := s.modes.Resolve(s.hint)
	if err != nil {
		return Result{}, err
	}
	r := s.Run()
	r.End()
	if ps.description != nil {
		r.SetDescription(*ps.description)
	}
	r.SetWorkloadFile(s.modes.WorkloadFile())
	r.MintIdentity()

	var res Result
	if m == mode.Remote {
		rs, err := s.remoteSession(ctx)
		if err != nil {
			return Result{}, err
		}
		pr, err := rs.publisher.Publish(ctx, r, rs.project, publish.Request{Build: ps.build, Deploy: ps.deploy})
		if err != nil {
			return Result{}, err
		}
		res = Result{
			CommitID:      pr.CommitID,
			ImageName:     pr.ImageName,
			DeploymentURL: pr.DeploymentURL,
			DashboardURL:  pr.DashboardURL,
		}
	} else {
		if ps.build || ps.deploy {
			s.logger.Warn("build and deploy need remote mode; publishing locally", "mode", m.String())
		}
		payload, err := r.Render()
		if err != nil {
			return Result{}, err
		}
		if _, err := fmt.Fprintln(ps.out, payload); err != nil {
			return Result{}, fmt.Errorf("write payload: %w", err)
		}
	}
	res.RunID = r.ID()
	r.ResetTiming()
	return res, nil
}
