package tunnel

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"shmtunnel/pkg/config"
	"shmtunnel/pkg/local"
	"shmtunnel/pkg/overlay"
	bridge "shmtunnel/pkg/tunnel"
)

// Service hosts the tunnel driver for one process: it dials the overlay,
// wires the bridge registry over the shared substrate, and optionally
// serves metrics. A dial failure at startup is fatal; overlay failures
// after startup degrade per cycle instead.
type Service struct {
	cfg       config.Config
	substrate local.Substrate
	reg       *local.Registry
	log       *zap.SugaredLogger
}

func New(cfg config.Config, substrate local.Substrate, reg *local.Registry, log *zap.SugaredLogger) *Service {
	return &Service{cfg: cfg, substrate: substrate, reg: reg, log: log}
}

func (s *Service) Run(ctx context.Context) error {
	transport, err := overlay.DialRedis(ctx, overlay.Options{
		Addr:        s.cfg.OverlayAddr,
		DB:          s.cfg.OverlayDB,
		Prefix:      s.cfg.OverlayPrefix,
		HostID:      s.cfg.HostID,
		AnnounceTTL: s.cfg.AnnounceTTL,
	})
	if err != nil {
		return err
	}
	defer transport.Close()

	metrics := bridge.NewMetrics()
	registry := bridge.NewRegistry(s.cfg, s.substrate.Shadow(), transport, s.log, metrics)
	driver := bridge.NewDriver(s.cfg, registry,
		local.NewDirectoryReader(s.reg),
		overlay.NewDirectory(transport),
		s.log, metrics)

	runners := []func(context.Context) error{driver.Run}
	if s.cfg.MetricsAddr != "" {
		runners = append(runners, s.serveMetrics(metrics))
	}

	errCh := make(chan error, len(runners))
	for _, runner := range runners {
		go func(runFn func(context.Context) error) {
			errCh <- runFn(ctx)
		}(runner)
	}
	for i := 0; i < len(runners); i++ {
		err := <-errCh
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed) {
			continue
		}
		return err
	}
	return nil
}

func (s *Service) serveMetrics(metrics *bridge.Metrics) func(context.Context) error {
	return func(ctx context.Context) error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		s.log.Infow("metrics listening", "addr", s.cfg.MetricsAddr)
		return srv.ListenAndServe()
	}
}
