package main

import (
	"fmt"
	"os"

	"github.com/brendanlong/clawed-burrow-sub001/pkg/bus"
	"github.com/brendanlong/clawed-burrow-sub001/pkg/config"
	"github.com/brendanlong/clawed-burrow-sub001/pkg/container"
	"github.com/brendanlong/clawed-burrow-sub001/pkg/orchestrator"
	"github.com/brendanlong/clawed-burrow-sub001/pkg/reconcile"
	"github.com/brendanlong/clawed-burrow-sub001/pkg/runner"
	"github.com/brendanlong/clawed-burrow-sub001/pkg/store"
	"github.com/brendanlong/clawed-burrow-sub001/pkg/workspace"
)

// app is the assembled component graph shared by serve and the one-shot
// session commands. One-shot commands operate on the same database and
// docker daemon the serve loop would, so building the graph locally
// gives them the full orchestrator without a wire protocol.
type app struct {
	cfg        config.Config
	store      *store.Store
	containers *container.Manager
	workspaces *workspace.Manager
	runner     *runner.Runner
	orch       *orchestrator.Orchestrator
	bus        *bus.Bus
	reconciler *reconcile.Reconciler
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	containers, err := container.New(container.Config{NamePrefix: cfg.ContainerPrefix})
	if err != nil {
		st.Close()
		return nil, err
	}

	workspaces, err := workspace.New(cfg.WorkspaceRoot)
	if err != nil {
		st.Close()
		return nil, err
	}

	settings, err := cfg.Settings.RepoSettings()
	if err != nil {
		st.Close()
		return nil, err
	}

	b := bus.New()
	turns := runner.New(st, containers, b, runner.Config{Binary: cfg.ClaudeBinary})
	orch := orchestrator.New(st, containers, workspaces, turns, b, orchestrator.Config{
		Image:           cfg.Image,
		CredentialBinds: cfg.CredentialBinds,
		CacheVolumes:    cfg.CacheVolumes,
		GPU:             cfg.GPU,
		StopTimeout:     cfg.StopTimeout(),
		Settings:        settings,
	})

	return &app{
		cfg:        cfg,
		store:      st,
		containers: containers,
		workspaces: workspaces,
		runner:     turns,
		orch:       orch,
		bus:        b,
		reconciler: reconcile.New(st, containers, b, cfg.ReconcileInterval()),
	}, nil
}

func (a *app) close() {
	a.bus.Close()
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "closing store: %v\n", err)
	}
}
