package spindle

import (
	"context"
	"fmt"

	"tangled.sh/tangled.sh/loom/spindle/actions"
	"tangled.sh/tangled.sh/loom/spindle/config"
	"tangled.sh/tangled.sh/loom/spindle/engines/docker"
	"tangled.sh/tangled.sh/loom/spindle/engines/local"
	"tangled.sh/tangled.sh/loom/spindle/models"
)

// NewBackend picks the step backend named by cfg.Pipelines.Engine.
func NewBackend(ctx context.Context, cfg *config.Config) (models.Engine, error) {
	switch cfg.Pipelines.Engine {
	case "", "local":
		return local.New(ctx), nil
	case "docker":
		e, err := docker.New(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("connecting to docker: %w", err)
		}
		return e, nil
	}
	return nil, fmt.Errorf("unknown engine %q", cfg.Pipelines.Engine)
}

// NewRegistry returns the action registry with the built-in actions.
func NewRegistry(cfg *config.Config) *actions.Registry {
	reg := actions.NewRegistry(cfg.Pipelines.ActionsDir)
	reg.Register(actions.CheckoutRepo, &actions.Checkout{CloneBase: cfg.Pipelines.CloneBase})
	return reg
}
