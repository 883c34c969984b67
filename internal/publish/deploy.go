package publish

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"sort"

	"github.com/dotmesh-io/dotscience-go/internal/hub"
	"github.com/dotmesh-io/dotscience-go/internal/platform/retry"
	"github.com/dotmesh-io/dotscience-go/relocate"
	"github.com/dotmesh-io/dotscience-go/run"
)

// Deploy starts image on the first managed deployer. The class map declared
// with the model, if any, is attached; failing to read it only logs.
func (p *Publisher) Deploy(ctx context.Context, model hub.Model, image string, labels map[string]string, rel *relocate.Relocator) (hub.Deployment, error) {
	deployers, err := p.platform.ListDeployers(ctx)
	if err != nil {
		return hub.Deployment{}, err
	}
	var deployer *hub.Deployer
	for i := range deployers {
		if deployers[i].Managed {
			deployer = &deployers[i]
			break
		}
	}
	if deployer == nil {
		return hub.Deployment{}, ErrNoDeployer
	}

	req := hub.DeploymentRequest{
		ModelID:    model.ID,
		ImageName:  image,
		DeployerID: deployer.ID,
		Replicas:   1,
		Classes:    p.classMap(model.Name, labels, rel),
	}
	fmt.Fprintf(p.diag, "Deploying to %s\n", deployer.Name)
	dep, err := p.platform.CreateDeployment(ctx, req)
	if err != nil {
		return hub.Deployment{}, err
	}
	p.logger.Info("deployment created", "deployment_id", dep.ID, "deployer", deployer.Name, "image", image)
	return dep, nil
}

// classMap returns the base64 contents of the class file declared with the
// named model, falling back to any declared model with one.
func (p *Publisher) classMap(modelName string, labels map[string]string, rel *relocate.Relocator) string {
	arts := run.ModelArtefacts(labels)
	file := arts[modelName].ClassesFile()
	if file == "" {
		names := make([]string, 0, len(arts))
		for n := range arts {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			if f := arts[n].ClassesFile(); f != "" {
				file = f
				break
			}
		}
	}
	if file == "" {
		return ""
	}
	raw, err := os.ReadFile(rel.Abs(file))
	if err != nil {
		p.logger.Warn("class map unavailable", "file", file, "error", err)
		return ""
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// WaitActive polls the deployment until its model endpoint answers.
func (p *Publisher) WaitActive(ctx context.Context, dep hub.Deployment) error {
	fmt.Fprint(p.diag, "Waiting for deployment")
	pol := p.policy(p.opts.Poll, func(int, error) {
		fmt.Fprint(p.diag, ".")
	})
	err := retry.Do(ctx, pol, func(ctx context.Context) error {
		return p.platform.Probe(ctx, dep.URL)
	})
	fmt.Fprintln(p.diag)
	if err != nil {
		return fmt.Errorf("deployment %s not active: %w", dep.ID, err)
	}
	fmt.Fprintf(p.diag, "Endpoint: %s\n", dep.URL)
	return nil
}

func (p *Publisher) SetupDashboard(ctx context.Context, dep hub.Deployment) (hub.Dashboard, error) {
	dash, err := p.platform.CreateDashboard(ctx, dep.ID)
	if err != nil {
		return hub.Dashboard{}, fmt.Errorf("dashboard for deployment %s: %w", dep.ID, err)
	}
	fmt.Fprintf(p.diag, "Dashboard: %s\n", dash.URL)
	return dash, nil
}
