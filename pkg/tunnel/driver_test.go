package tunnel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"shmtunnel/pkg/config"
	"shmtunnel/pkg/local"
	"shmtunnel/pkg/overlay"
	"shmtunnel/pkg/proto"
)

func newDriver(fx *fixture) *Driver {
	localDir := local.NewDirectoryReader(fx.substrate.Registry())
	overlayDir := overlay.NewDirectory(fx.transport)
	return NewDriver(fx.cfg, fx.registry, localDir, overlayDir, zap.NewNop().Sugar(), fx.registry.metrics)
}

func TestDriverBridgesLocalProducer(t *testing.T) {
	fx := newFixture(t, nil)
	driver := newDriver(fx)

	identity := proto.ServiceIdentity{Name: "temperature", TypeSignature: "f64"}
	producer, err := fx.substrate.OpenPublisher(identity)
	if err != nil {
		t.Fatalf("open producer: %v", err)
	}
	defer producer.Close()

	driver.Cycle(context.Background())
	if got := fx.registry.state("temperature", proto.Ingress); got != proto.StateOpen {
		t.Fatalf("cycle should bridge the producing service, got %s", got)
	}
	if _, ok := fx.transport.announced[identity.Key()]; !ok {
		t.Fatalf("bridged service missing from overlay announcements")
	}

	sample := []byte{0x40, 0x39, 0, 0, 0, 0, 0, 0}
	if err := producer.TrySend(sample); err != nil {
		t.Fatalf("send sample: %v", err)
	}
	driver.Cycle(context.Background())

	frames := fx.transport.published[identity.Key()]
	if len(frames) != 1 {
		t.Fatalf("expected 1 relayed frame, got %d", len(frames))
	}
	if _, payload, err := overlay.Decode(frames[0], proto.ClassU64); err != nil || string(payload) != string(sample) {
		t.Fatalf("relayed payload mismatch: %q, %v", payload, err)
	}
}

func TestDriverRetiresBridgeAfterProducerCloses(t *testing.T) {
	fx := newFixture(t, nil)
	driver := newDriver(fx)

	identity := proto.ServiceIdentity{Name: "temperature", TypeSignature: "f64"}
	producer, err := fx.substrate.OpenPublisher(identity)
	if err != nil {
		t.Fatalf("open producer: %v", err)
	}
	driver.Cycle(context.Background())
	if got := fx.registry.state("temperature", proto.Ingress); got != proto.StateOpen {
		t.Fatalf("expected open bridge, got %s", got)
	}

	// The bridge's own subscriber must not keep the service discoverable
	// once the last application producer is gone.
	if err := producer.Close(); err != nil {
		t.Fatalf("close producer: %v", err)
	}
	for i := 0; i < fx.cfg.Hysteresis; i++ {
		driver.Cycle(context.Background())
	}
	if got := fx.registry.state("temperature", proto.Ingress); got != proto.StateAbsent {
		t.Fatalf("bridge should retire after %d absent cycles, got %s", fx.cfg.Hysteresis, got)
	}
	if fx.transport.withdrawCount != 1 {
		t.Fatalf("retired ingress bridge should withdraw its announcement")
	}
}

func TestDriverRetiresEgressAfterPeerWithdraws(t *testing.T) {
	fx := newFixture(t, func(c *config.Config) { c.BridgeAll = true })
	driver := newDriver(fx)

	identity := proto.ServiceIdentity{Name: "pressure", TypeSignature: "u32"}
	fx.transport.remote = []proto.Announcement{remoteAnn("pressure", "u32", "host-b")}
	driver.Cycle(context.Background())
	if got := fx.registry.state("pressure", proto.Egress); got != proto.StateOpen {
		t.Fatalf("expected open egress bridge, got %s", got)
	}

	// The peer withdraws. The bridge's local publisher must not make the
	// name look locally produced: no ingress bridge, no re-announcement,
	// and the egress bridge retires on hysteresis.
	fx.transport.remote = nil
	for i := 0; i < fx.cfg.Hysteresis+2; i++ {
		driver.Cycle(context.Background())
	}
	if got := fx.registry.state("pressure", proto.Egress); got != proto.StateAbsent {
		t.Fatalf("egress bridge should retire after the peer withdrew, got %s", got)
	}
	if got := fx.registry.state("pressure", proto.Ingress); got != proto.StateAbsent {
		t.Fatalf("peer-sourced name must never bridge back out, got %s", got)
	}
	if _, ok := fx.transport.announced[identity.Key()]; ok {
		t.Fatalf("peer-sourced name was re-announced onto the overlay by this host")
	}
}

func TestDriverDegradesOnOverlaySnapshotFailure(t *testing.T) {
	fx := newFixture(t, nil)
	driver := newDriver(fx)
	fx.transport.remoteErr = errors.New("session lost")

	identity := proto.ServiceIdentity{Name: "temperature", TypeSignature: "f64"}
	producer, err := fx.substrate.OpenPublisher(identity)
	if err != nil {
		t.Fatalf("open producer: %v", err)
	}
	defer producer.Close()

	driver.Cycle(context.Background())

	if got := counterValue(t, fx.registry.metrics.SnapshotErrors.WithLabelValues("overlay")); got != 1 {
		t.Fatalf("expected 1 overlay snapshot error, got %v", got)
	}
	// The local side still reconciles on a failed overlay snapshot.
	if got := fx.registry.state("temperature", proto.Ingress); got != proto.StateOpen {
		t.Fatalf("local bridging must survive an overlay outage, got %s", got)
	}
}

func TestDriverDegradesOnLocalSnapshotFailure(t *testing.T) {
	root := t.TempDir()
	sub, err := local.Open(root, "node-test")
	if err != nil {
		t.Fatalf("open substrate: %v", err)
	}
	t.Cleanup(func() { _ = sub.Close() })

	cfg := config.Default()
	transport := newFakeTransport()
	reg := NewRegistry(cfg, sub.Shadow(), transport, zap.NewNop().Sugar(), NewMetrics())
	fx := &fixture{cfg: cfg, substrate: sub, transport: transport, registry: reg}
	driver := newDriver(fx)

	if err := os.RemoveAll(filepath.Join(root, "services")); err != nil {
		t.Fatalf("remove services dir: %v", err)
	}
	driver.Cycle(context.Background())

	if got := counterValue(t, reg.metrics.SnapshotErrors.WithLabelValues("local")); got != 1 {
		t.Fatalf("expected 1 local snapshot error, got %v", got)
	}
	if got := counterValue(t, reg.metrics.Cycles); got != 1 {
		t.Fatalf("cycle must complete despite the failure, got %v cycles", got)
	}
}

func TestDriverRunStopsBoundedOnCancel(t *testing.T) {
	fx := newFixture(t, func(c *config.Config) { c.Interval = 10 * time.Millisecond })
	driver := newDriver(fx)

	identity := proto.ServiceIdentity{Name: "temperature", TypeSignature: "f64"}
	producer, err := fx.substrate.OpenPublisher(identity)
	if err != nil {
		t.Fatalf("open producer: %v", err)
	}
	defer producer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- driver.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(shutdownGrace + time.Second):
		t.Fatalf("run did not stop within the shutdown grace")
	}

	if status := fx.registry.Status(); len(status) != 0 {
		t.Fatalf("shutdown must retire every bridge, %d left", len(status))
	}
	if fx.transport.withdrawCount == 0 {
		t.Fatalf("shutdown should withdraw ingress announcements")
	}
}
