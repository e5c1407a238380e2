package tunnel

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"shmtunnel/pkg/config"
	"shmtunnel/pkg/overlay"
	"shmtunnel/pkg/proto"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	return testutil.ToFloat64(c)
}

func openIngress(t *testing.T, fx *fixture, name, sig string) *Bridge {
	t.Helper()
	fx.cycle(t, []proto.Announcement{localAnn(name, sig)}, nil)
	bridge, ok := fx.registry.bridges[pairKey{name: name, direction: proto.Ingress}]
	if !ok || bridge.State != proto.StateOpen {
		t.Fatalf("ingress bridge for %s not open", name)
	}
	return bridge
}

func openEgress(t *testing.T, fx *fixture, name, sig string) *Bridge {
	t.Helper()
	fx.cycle(t, nil, []proto.Announcement{remoteAnn(name, sig, "host-b")})
	bridge, ok := fx.registry.bridges[pairKey{name: name, direction: proto.Egress}]
	if !ok || bridge.State != proto.StateOpen {
		t.Fatalf("egress bridge for %s not open", name)
	}
	return bridge
}

func TestIngressPreservesSourceOrder(t *testing.T) {
	fx := newFixture(t, nil)
	bridge := openIngress(t, fx, "temperature", "u8")

	pub, err := fx.substrate.OpenPublisher(bridge.Identity)
	if err != nil {
		t.Fatalf("open local publisher: %v", err)
	}
	for _, s := range []string{"s1", "s2", "s3"} {
		if err := pub.TrySend([]byte(s)); err != nil {
			t.Fatalf("send %s: %v", s, err)
		}
	}

	fx.registry.IngressPass(context.Background())

	frames := fx.transport.published[bridge.key]
	if len(frames) != 3 {
		t.Fatalf("expected 3 published frames, got %d", len(frames))
	}
	for i, want := range []string{"s1", "s2", "s3"} {
		seq, payload, err := overlay.Decode(frames[i], proto.ClassU8)
		if err != nil {
			t.Fatalf("decode frame %d: %v", i, err)
		}
		if string(payload) != want {
			t.Fatalf("frame %d out of order: got %q want %q", i, payload, want)
		}
		if seq != uint32(i+1) {
			t.Fatalf("frame %d: unexpected sequence %d", i, seq)
		}
	}
	if bridge.Stats.Relayed != 3 || bridge.Stats.Dropped != 0 {
		t.Fatalf("unexpected stats %+v", bridge.Stats)
	}
}

func TestIngressDropsNotBlocksOnPublishFailure(t *testing.T) {
	fx := newFixture(t, nil)
	bridge := openIngress(t, fx, "temperature", "u8")
	fx.transport.failPublish = true

	pub, err := fx.substrate.OpenPublisher(bridge.Identity)
	if err != nil {
		t.Fatalf("open local publisher: %v", err)
	}
	const k = 7
	for i := 0; i < k; i++ {
		if err := pub.TrySend([]byte{byte(i)}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	fx.registry.IngressPass(context.Background())

	if bridge.Stats.Dropped != k || bridge.Stats.Relayed != 0 {
		t.Fatalf("expected %d drops and no relays, got %+v", k, bridge.Stats)
	}
}

func TestIngressRespectsPerCycleCap(t *testing.T) {
	fx := newFixture(t, func(c *config.Config) { c.MaxPerCycle = 2 })
	bridge := openIngress(t, fx, "hot", "u8")

	pub, err := fx.substrate.OpenPublisher(bridge.Identity)
	if err != nil {
		t.Fatalf("open local publisher: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := pub.TrySend([]byte{byte(i)}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	fx.registry.IngressPass(context.Background())
	if got := len(fx.transport.published[bridge.key]); got != 2 {
		t.Fatalf("first pass should relay exactly the cap, got %d", got)
	}
	fx.registry.IngressPass(context.Background())
	if got := len(fx.transport.published[bridge.key]); got != 4 {
		t.Fatalf("second pass should continue where it left off, got %d", got)
	}
}

func TestEgressRelaysAndDropsMalformed(t *testing.T) {
	fx := newFixture(t, func(c *config.Config) { c.BridgeAll = true })
	bridge := openEgress(t, fx, "pressure", "u32")

	rx, err := fx.substrate.OpenSubscriber(bridge.Identity)
	if err != nil {
		t.Fatalf("open local subscriber: %v", err)
	}

	queue := fx.transport.queues[bridge.key]
	queue.push(overlay.Encode(1, proto.ClassU32, []byte{1, 2, 3, 4}))
	queue.push([]byte{0, 0}) // short frame
	queue.push(overlay.Encode(2, proto.ClassU64, []byte{1, 2, 3, 4, 5, 6, 7, 8})) // wrong tag
	queue.push(overlay.Encode(3, proto.ClassU32, []byte{1, 2, 3}))                // misaligned
	queue.push(overlay.Encode(4, proto.ClassU32, []byte{9, 9, 9, 9}))

	fx.registry.EgressPass(context.Background())

	var received [][]byte
	for {
		payload, ok, err := rx.TryRecv()
		if err != nil {
			t.Fatalf("local recv: %v", err)
		}
		if !ok {
			break
		}
		received = append(received, payload)
	}
	if len(received) != 2 {
		t.Fatalf("expected 2 delivered samples, got %d", len(received))
	}
	if bridge.Stats.Relayed != 2 || bridge.Stats.Dropped != 3 {
		t.Fatalf("unexpected stats %+v", bridge.Stats)
	}
}

func TestEgressDropsWhenLocalChannelFull(t *testing.T) {
	fx := newFixture(t, func(c *config.Config) { c.BridgeAll = true })
	// One declared local consumer, but with no capacity to spare.
	fx.substrate.SetChannelCapacity(1)
	bridge := openEgress(t, fx, "pressure", "u8")
	if _, err := fx.substrate.OpenSubscriber(bridge.Identity); err != nil {
		t.Fatalf("open local subscriber: %v", err)
	}

	queue := fx.transport.queues[bridge.key]
	for i := byte(0); i < 3; i++ {
		queue.push(overlay.Encode(uint32(i)+1, proto.ClassU8, []byte{i}))
	}

	fx.registry.EgressPass(context.Background())

	if bridge.Stats.Relayed != 1 || bridge.Stats.Dropped != 2 {
		t.Fatalf("expected 1 relay and 2 full-channel drops, got %+v", bridge.Stats)
	}
	if got := counterValue(t, fx.registry.metrics.Dropped.WithLabelValues("egress", "local_full")); got != 2 {
		t.Fatalf("expected 2 local_full drops in metrics, got %v", got)
	}
}

func TestRelayPassStopsBetweenBridgesOnCancel(t *testing.T) {
	fx := newFixture(t, nil)
	for _, name := range []string{"a", "b", "c"} {
		openIngress(t, fx, name, "u8")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fx.registry.IngressPass(ctx)
	for key := range fx.transport.published {
		t.Fatalf("cancelled pass should publish nothing, got frames for %s", key)
	}
}
