package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"shmtunnel/pkg/config"
	"shmtunnel/pkg/local"
	"shmtunnel/services/loopback"
	"shmtunnel/services/tunnel"
)

type Roles struct {
	Tunnel   bool
	Loopback bool
}

func (r Roles) Any() bool {
	return r.Tunnel || r.Loopback
}

// Run opens the shared substrate and fans the enabled services out, one
// goroutine each. It returns when every service has stopped; a clean
// cancellation is not an error.
func Run(ctx context.Context, cfg config.Config, roles Roles, log *zap.SugaredLogger) error {
	if !roles.Any() {
		return errors.New("no services enabled")
	}

	substrate, err := local.Open(cfg.RegistryRoot, cfg.HostID)
	if err != nil {
		return fmt.Errorf("open registry %s: %w", cfg.RegistryRoot, err)
	}
	defer substrate.Close()

	var runners []func(context.Context) error
	if roles.Tunnel {
		svc := tunnel.New(cfg, substrate, substrate.Registry(), log)
		runners = append(runners, svc.Run)
	}
	if roles.Loopback {
		svc := loopback.New(substrate, log)
		runners = append(runners, svc.Run)
	}

	errCh := make(chan error, len(runners))
	for _, runner := range runners {
		go func(runFn func(context.Context) error) {
			errCh <- runFn(ctx)
		}(runner)
	}

	for i := 0; i < len(runners); i++ {
		err := <-errCh
		if err == nil || errors.Is(err, context.Canceled) {
			continue
		}
		return fmt.Errorf("node stopped: %w", err)
	}
	log.Infow("node stopped")
	return nil
}
