package hub

// Project is a Dotscience project. Its files live in a dotmesh workspace
// owned by Account.
type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Account   string `json:"account"`
	Workspace string `json:"workspace"`
}

type CommitRequest struct {
	Branch   string            `json:"branch"`
	RunID    string            `json:"run_id"`
	Message  string            `json:"message,omitempty"`
	Metadata map[string]string `json:"metadata"`
}

type Commit struct {
	ID string `json:"id"`
}

// Model is a model the platform indexed from a commit's artefact labels.
type Model struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	RunID   string `json:"run_id"`
	Type    string `json:"type"`
	Version string `json:"version,omitempty"`
}

type BuildStatus string

const (
	BuildPending   BuildStatus = "pending"
	BuildRunning   BuildStatus = "running"
	BuildCompleted BuildStatus = "completed"
	BuildFailed    BuildStatus = "failed"
)

type Build struct {
	ID        string      `json:"id"`
	ModelID   string      `json:"model_id"`
	Status    BuildStatus `json:"status"`
	ImageName string      `json:"image_name,omitempty"`
	Message   string      `json:"message,omitempty"`
}

type Deployer struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Managed bool   `json:"managed"`
}

type DeploymentRequest struct {
	ModelID    string `json:"model_id"`
	ImageName  string `json:"image_name"`
	DeployerID string `json:"deployer_id"`
	Replicas   int    `json:"replicas"`
	// Classes is a base64-encoded JSON map from class index to label.
	Classes string `json:"classes,omitempty"`
}

type Deployment struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	URL  string `json:"url"`
}

type Dashboard struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}
