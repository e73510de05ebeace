// Package app wires configuration, the workspace and the platform client
// into a runnable deployment.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"experiment-deployer/internal/config"
	"experiment-deployer/internal/deploy"
	"experiment-deployer/internal/platform"
	"experiment-deployer/internal/resource"
)

// Deployer turns a request into a report: client directory, credentials,
// token, workspace, then the batch.
type Deployer struct {
	cfg        config.Config
	root       *resource.Store
	recorder   deploy.Recorder
	httpClient *http.Client
}

type Option func(*Deployer)

func WithRecorder(r deploy.Recorder) Option {
	return func(d *Deployer) { d.recorder = r }
}

// WithRoot replaces the on-disk workspace root.
func WithRoot(s *resource.Store) Option {
	return func(d *Deployer) { d.root = s }
}

func WithHTTPClient(h *http.Client) Option {
	return func(d *Deployer) { d.httpClient = h }
}

func NewDeployer(cfg config.Config, opts ...Option) *Deployer {
	d := &Deployer{
		cfg:        cfg,
		root:       resource.NewOSStore(cfg.Workspace.Root),
		httpClient: &http.Client{Timeout: cfg.Timeout()},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Deployer) Deploy(ctx context.Context, req deploy.Request) (deploy.Report, error) {
	if err := req.Validate(); err != nil {
		return deploy.Report{}, err
	}
	client, err := config.LoadClient(d.root, req.CustomerID)
	if err != nil {
		return deploy.Report{}, err
	}
	ws, err := d.workspace(client.Dir)
	if err != nil {
		return deploy.Report{}, err
	}

	pc := platform.New(d.cfg.Platform.BaseURL, platform.WithHTTPClient(d.httpClient))
	if _, err := pc.Authenticate(ctx, client.Credentials.ClientID, client.Credentials.ClientSecret); err != nil {
		return deploy.Report{}, err
	}
	log.Debug().Str("client_dir", d.root.Location(client.Dir)).Msg("authenticated")

	var opts []deploy.BatchOption
	if d.recorder != nil {
		opts = append(opts, deploy.WithRecorder(d.recorder))
	}
	return deploy.NewBatch(pc, ws, opts...).Run(ctx, req)
}

// workspace roots the deployed and built stores in the client directory,
// creating the deployed directory on first use.
func (d *Deployer) workspace(clientDir string) (*resource.Workspace, error) {
	deployedDir := d.root.Join(clientDir, d.cfg.Workspace.DeployedDir)
	builtDir := d.root.Join(clientDir, d.cfg.Workspace.BuiltDir)
	if err := d.root.MkdirAll(deployedDir); err != nil {
		return nil, err
	}
	deployed, err := d.root.Chroot(deployedDir)
	if err != nil {
		return nil, fmt.Errorf("deployed dir: %w", err)
	}
	built, err := d.root.Chroot(builtDir)
	if err != nil {
		return nil, fmt.Errorf("built dir: %w", err)
	}
	return resource.NewWorkspace(deployed, built), nil
}

// NewRequest maps command-line options onto a deployment request.
func NewRequest(r config.Request) deploy.Request {
	return deploy.Request{
		SiteCode:          r.SiteCode,
		CustomerID:        r.CustomerID,
		ExperimentID:      r.ExperimentID,
		PersonalizationID: r.PersonalizationID,
		VariationID:       r.VariationID,
		Global:            r.Global,
		Common:            r.Common,
		Targeting:         r.Targeting,
		ForceOverwrite:    r.ForceOverwrite,
		ForceLive:         r.ForceLive,
	}
}
