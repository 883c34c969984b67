// Package hub is a client for the Dotscience platform API.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/dotmesh-io/dotscience-go/internal/platform/requestid"
)

var (
	ErrNotFound     = errors.New("dotscience resource not found")
	ErrUnauthorized = errors.New("dotscience request unauthorized")
	ErrLocked       = errors.New("dotscience workspace locked")
)

// APIError is any non-2xx response. It matches ErrNotFound,
// ErrUnauthorized and ErrLocked by status code.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("dotscience api error (status=%d)", e.StatusCode)
	}
	return fmt.Sprintf("dotscience api error (status=%d): %s", e.StatusCode, body)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrLocked:
		return e.StatusCode == http.StatusLocked
	}
	return false
}

type Config struct {
	URL      string
	Username string
	APIKey   string
	// Token, when set, is sent as a bearer token instead of basic auth.
	Token string
	// Timeout bounds each API call. File uploads are bounded by their
	// context only.
	Timeout time.Duration
	// ProbeTimeout bounds each deployment health probe.
	ProbeTimeout time.Duration
	// HTTPClient overrides the default client. Its transport is wrapped when
	// Token is set.
	HTTPClient *http.Client
	UserAgent  string
}

type Client struct {
	baseURL   string
	username  string
	apiKey    string
	userAgent string
	http      *http.Client
	upload    *http.Client
	probe     *http.Client
}

func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse hub url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("hub url must be an absolute http(s) url: %q", cfg.URL)
	}
	if cfg.Token == "" && (cfg.Username == "" || cfg.APIKey == "") {
		return nil, errors.New("hub credentials are required: username and api key, or a token")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	hc := &http.Client{Transport: newTransport(), Timeout: timeout}
	if cfg.HTTPClient != nil {
		copied := *cfg.HTTPClient
		hc = &copied
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 10 * time.Second
	}
	probe := &http.Client{Transport: hc.Transport, Timeout: probeTimeout}
	if probe.Transport == nil {
		probe.Transport = newTransport()
	}
	if cfg.Token != "" {
		baseTransport := hc.Transport
		if baseTransport == nil {
			baseTransport = http.DefaultTransport
		}
		hc.Transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"}),
			Base:   baseTransport,
		}
	}

	username, apiKey := cfg.Username, cfg.APIKey
	if cfg.Token != "" {
		username, apiKey = "", ""
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "dotscience-go"
	}
	upload := *hc
	upload.Timeout = 0
	return &Client{
		baseURL:   base,
		username:  username,
		apiKey:    apiKey,
		userAgent: userAgent,
		http:      hc,
		upload:    &upload,
		probe:     probe,
	}, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var out []Project
	if err := c.call(ctx, http.MethodGet, "/v2/projects", nil, &out); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return out, nil
}

func (c *Client) CreateProject(ctx context.Context, name string) (Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Project{}, errors.New("project name is required")
	}
	var out Project
	if err := c.call(ctx, http.MethodPost, "/v2/projects", map[string]string{"name": name}, &out); err != nil {
		return Project{}, fmt.Errorf("create project %q: %w", name, err)
	}
	return out, nil
}

// PutFile uploads one run file into the project's workspace. rel is the
// slash-separated path relative to the workspace root.
func (c *Client) PutFile(ctx context.Context, account, workspace, rel string, body io.Reader, size int64) error {
	if account == "" || workspace == "" {
		return errors.New("account and workspace are required")
	}
	path := "/v2/dotmesh/s3/" + url.PathEscape(account) + ":" + url.PathEscape(workspace) + "/" + escapePath(rel)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	if err := c.send(c.upload, req, nil); err != nil {
		return fmt.Errorf("put %s: %w", rel, err)
	}
	return nil
}

func (c *Client) CreateCommit(ctx context.Context, projectID string, in CommitRequest) (Commit, error) {
	var out Commit
	path := "/v2/projects/" + url.PathEscape(projectID) + "/commits"
	if err := c.call(ctx, http.MethodPost, path, in, &out); err != nil {
		return Commit{}, fmt.Errorf("create commit: %w", err)
	}
	return out, nil
}

func (c *Client) ListModels(ctx context.Context, runID string) ([]Model, error) {
	var out []Model
	path := "/v2/models?run_id=" + url.QueryEscape(runID)
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	return out, nil
}

func (c *Client) CreateBuild(ctx context.Context, modelID string) (Build, error) {
	var out Build
	path := "/v2/models/" + url.PathEscape(modelID) + "/builds"
	if err := c.call(ctx, http.MethodPost, path, struct{}{}, &out); err != nil {
		return Build{}, fmt.Errorf("create build: %w", err)
	}
	return out, nil
}

func (c *Client) GetBuild(ctx context.Context, modelID, buildID string) (Build, error) {
	var out Build
	path := "/v2/models/" + url.PathEscape(modelID) + "/builds/" + url.PathEscape(buildID)
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return Build{}, fmt.Errorf("get build %s: %w", buildID, err)
	}
	return out, nil
}

func (c *Client) ListDeployers(ctx context.Context) ([]Deployer, error) {
	var out []Deployer
	if err := c.call(ctx, http.MethodGet, "/v2/deployers", nil, &out); err != nil {
		return nil, fmt.Errorf("list deployers: %w", err)
	}
	return out, nil
}

func (c *Client) CreateDeployment(ctx context.Context, in DeploymentRequest) (Deployment, error) {
	var out Deployment
	if err := c.call(ctx, http.MethodPost, "/v2/deployments", in, &out); err != nil {
		return Deployment{}, fmt.Errorf("create deployment: %w", err)
	}
	return out, nil
}

func (c *Client) CreateDashboard(ctx context.Context, deploymentID string) (Dashboard, error) {
	var out Dashboard
	path := "/v2/deployments/" + url.PathEscape(deploymentID) + "/dashboard"
	if err := c.call(ctx, http.MethodPost, path, struct{}{}, &out); err != nil {
		return Dashboard{}, fmt.Errorf("create dashboard: %w", err)
	}
	return out, nil
}

// Probe checks that a deployed model answers its availability endpoint.
// Deployments live outside the API host, so the request carries no
// platform credentials.
func (c *Client) Probe(ctx context.Context, endpoint string) error {
	target := strings.TrimRight(endpoint, "/") + "/v1/models/model"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set(requestid.Header, requestid.New())
	resp, err := c.probe.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode}
	}
	return nil
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	return c.send(c.http, req, out)
}

func (c *Client) send(hc *http.Client, req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(requestid.Header, requestid.New())
	if c.username != "" {
		req.SetBasicAuth(c.username, c.apiKey)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode dotscience response: %w", err)
	}
	return nil
}

func escapePath(rel string) string {
	parts := strings.Split(strings.TrimPrefix(rel, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 2 * time.Minute,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
