package tunnel

import (
	"context"
	"time"

	"go.uber.org/zap"

	"shmtunnel/pkg/config"
	"shmtunnel/pkg/local"
	"shmtunnel/pkg/overlay"
)

// shutdownGrace bounds the teardown work after cancellation: closing
// endpoints and withdrawing announcements runs against a fresh context
// because the loop's own context is already done.
const shutdownGrace = 3 * time.Second

// Driver runs the tunnel: one cooperative cycle of snapshot, reconcile,
// apply, relay both directions, re-announce, then sleep until the next
// tick. A single goroutine executes everything, so bridge lifecycle
// needs no locking; cancellation is checked between cycles and between
// bridges inside a pass.
type Driver struct {
	cfg        config.Config
	registry   *Registry
	localDir   *local.DirectoryReader
	overlayDir *overlay.Directory
	log        *zap.SugaredLogger
	metrics    *Metrics
}

func NewDriver(cfg config.Config, registry *Registry, localDir *local.DirectoryReader, overlayDir *overlay.Directory, log *zap.SugaredLogger, metrics *Metrics) *Driver {
	return &Driver{
		cfg:        cfg,
		registry:   registry,
		localDir:   localDir,
		overlayDir: overlayDir,
		log:        log,
		metrics:    metrics,
	}
}

func (d *Driver) Run(ctx context.Context) error {
	d.log.Infow("tunnel running",
		"interval", d.cfg.Interval,
		"max_per_cycle", d.cfg.MaxPerCycle,
		"hysteresis", d.cfg.Hysteresis,
		"bridge_all", d.cfg.BridgeAll,
		"allow", d.cfg.Allow)

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		d.Cycle(ctx)
		select {
		case <-ctx.Done():
			d.shutdown()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cycle runs one reconcile + relay pass. A snapshot failure on either
// side degrades to an empty delta for that side; it never stops the
// cycle.
func (d *Driver) Cycle(ctx context.Context) {
	d.metrics.Cycles.Inc()

	localAnns, skipped, err := d.localDir.Snapshot()
	if err != nil {
		d.metrics.SnapshotErrors.WithLabelValues("local").Inc()
		d.log.Warnw("local snapshot failed, treating as empty", "error", err)
		localAnns = nil
	}
	if skipped > 0 {
		d.log.Debugw("malformed local descriptors skipped", "count", skipped)
	}

	remoteAnns, malformed, err := d.overlayDir.Snapshot(ctx)
	if err != nil {
		d.metrics.SnapshotErrors.WithLabelValues("overlay").Inc()
		d.log.Warnw("overlay snapshot failed, treating as empty", "error", err)
		remoteAnns = nil
	}
	if malformed > 0 {
		d.log.Debugw("malformed remote announcements dropped", "count", malformed)
	}

	diff := d.registry.Reconcile(localAnns, remoteAnns)
	d.registry.Apply(ctx, diff)
	d.registry.IngressPass(ctx)
	d.registry.EgressPass(ctx)
	d.registry.Reannounce(ctx)
}

func (d *Driver) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	d.registry.CloseAll(ctx)
	d.log.Infow("tunnel stopped")
}
