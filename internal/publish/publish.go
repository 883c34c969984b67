// Package publish sends a finished run to the Dotscience platform: it uploads
// the run's output files, records a commit carrying the run metadata and, on
// request, builds the declared model into an image and deploys it.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dotmesh-io/dotscience-go/internal/config"
	"github.com/dotmesh-io/dotscience-go/internal/hub"
	"github.com/dotmesh-io/dotscience-go/internal/platform/retry"
	"github.com/dotmesh-io/dotscience-go/run"
)

// DefaultBranch is the workspace branch runs are committed to.
const DefaultBranch = "master"

// Platform is the subset of the platform API the publisher drives.
// *hub.Client implements it.
type Platform interface {
	ListProjects(ctx context.Context) ([]hub.Project, error)
	CreateProject(ctx context.Context, name string) (hub.Project, error)
	CreateCommit(ctx context.Context, projectID string, in hub.CommitRequest) (hub.Commit, error)
	ListModels(ctx context.Context, runID string) ([]hub.Model, error)
	CreateBuild(ctx context.Context, modelID string) (hub.Build, error)
	GetBuild(ctx context.Context, modelID, buildID string) (hub.Build, error)
	ListDeployers(ctx context.Context) ([]hub.Deployer, error)
	CreateDeployment(ctx context.Context, in hub.DeploymentRequest) (hub.Deployment, error)
	CreateDashboard(ctx context.Context, deploymentID string) (hub.Dashboard, error)
	Probe(ctx context.Context, endpoint string) error
}

var ErrNoDeployer = errors.New("no managed deployer available")

type Options struct {
	Upload retry.Policy
	Poll   retry.Policy
	// SlowNoticeAfter is the build poll attempt after which a one-time
	// "still building" notice is written. Zero disables it.
	SlowNoticeAfter  int
	Branch           string
	Diagnostics      io.Writer
	Logger           *slog.Logger
	ProgressBars     bool
	ProjectCacheSize int
	// Sleep replaces the timer between retry attempts.
	Sleep func(ctx context.Context, d time.Duration) error
}

func OptionsFromConfig(r config.Retry) Options {
	return Options{
		Upload:          retry.Fixed(r.UploadAttempts, r.UploadInterval),
		Poll:            retry.Fixed(r.PollAttempts, r.PollInterval),
		SlowNoticeAfter: r.SlowNoticeAfter,
	}
}

type Publisher struct {
	platform Platform
	store    ArtifactStore
	opts     Options
	diag     io.Writer
	logger   *slog.Logger
	projects *lru.Cache[string, hub.Project]
}

func New(platform Platform, store ArtifactStore, opts Options) (*Publisher, error) {
	if platform == nil {
		return nil, errors.New("platform is required")
	}
	if store == nil {
		return nil, errors.New("artifact store is required")
	}
	if opts.Branch == "" {
		opts.Branch = DefaultBranch
	}
	if opts.ProjectCacheSize <= 0 {
		opts.ProjectCacheSize = 16
	}
	if opts.Upload.MaxAttempts == 0 {
		opts.Upload = retry.Fixed(10, time.Second)
	}
	if opts.Poll.MaxAttempts == 0 {
		opts.Poll = retry.Fixed(120, time.Second)
	}
	diag := opts.Diagnostics
	if diag == nil {
		diag = io.Discard
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	projects, err := lru.New[string, hub.Project](opts.ProjectCacheSize)
	if err != nil {
		return nil, fmt.Errorf("project cache: %w", err)
	}
	return &Publisher{
		platform: platform,
		store:    store,
		opts:     opts,
		diag:     diag,
		logger:   logger,
		projects: projects,
	}, nil
}

// EnsureProject returns the project called name, creating it if needed.
func (p *Publisher) EnsureProject(ctx context.Context, name string) (hub.Project, error) {
	if name == "" {
		return hub.Project{}, errors.New("project name is required")
	}
	if cached, ok := p.projects.Get(name); ok {
		return cached, nil
	}
	projects, err := p.platform.ListProjects(ctx)
	if err != nil {
		return hub.Project{}, err
	}
	for _, pr := range projects {
		if pr.Name == name {
			p.projects.Add(name, pr)
			return pr, nil
		}
	}
	created, err := p.platform.CreateProject(ctx, name)
	if err != nil {
		return hub.Project{}, err
	}
	p.logger.Info("project created", "project", name, "project_id", created.ID)
	p.projects.Add(name, created)
	return created, nil
}

type Request struct {
	Build  bool
	Deploy bool
}

type Result struct {
	CommitID      string
	ImageName     string
	DeploymentURL string
	DashboardURL  string
}

// Publish uploads r's outputs and commits its metadata to project. A deploy
// request implies a build.
func (p *Publisher) Publish(ctx context.Context, r *run.Run, project hub.Project, req Request) (Result, error) {
	m, err := r.Metadata()
	if err != nil {
		return Result{}, err
	}
	if err := p.UploadArtifacts(ctx, project, r.Relocator(), m.Output); err != nil {
		return Result{}, err
	}
	flat, err := Flatten(m)
	if err != nil {
		return Result{}, err
	}
	commitID, err := p.Commit(ctx, project, r.ID(), flat)
	if err != nil {
		return Result{}, err
	}
	res := Result{CommitID: commitID}
	fmt.Fprintf(p.diag, "Run %s committed as %s\n", r.ID(), commitID)
	if !req.Build && !req.Deploy {
		return res, nil
	}

	model, err := p.findModel(ctx, r.ID())
	if err != nil {
		return res, err
	}
	image, err := p.BuildImage(ctx, model.ID)
	if err != nil {
		return res, err
	}
	res.ImageName = image
	if !req.Deploy {
		return res, nil
	}

	dep, err := p.Deploy(ctx, model, image, m.Labels, r.Relocator())
	if err != nil {
		return res, err
	}
	if err := p.WaitActive(ctx, dep); err != nil {
		return res, err
	}
	res.DeploymentURL = dep.URL
	dash, err := p.SetupDashboard(ctx, dep)
	if err != nil {
		return res, err
	}
	res.DashboardURL = dash.URL
	return res, nil
}

// Commit records the flattened metadata of run runID on the project's
// branch.
func (p *Publisher) Commit(ctx context.Context, project hub.Project, runID string, flat map[string]string) (string, error) {
	msg := "Dotscience run " + runID
	if d, ok := flat["description"]; ok && d != "" {
		msg = d
	}
	c, err := p.platform.CreateCommit(ctx, project.ID, hub.CommitRequest{
		Branch:   p.opts.Branch,
		RunID:    runID,
		Message:  msg,
		Metadata: flat,
	})
	if err != nil {
		return "", err
	}
	p.logger.Info("run committed", "run_id", runID, "project_id", project.ID, "commit_id", c.ID)
	return c.ID, nil
}

func (p *Publisher) policy(base retry.Policy, onAttempt func(attempt int, err error)) retry.Policy {
	base.OnAttempt = onAttempt
	if p.opts.Sleep != nil {
		base.Sleep = p.opts.Sleep
	}
	return base
}
