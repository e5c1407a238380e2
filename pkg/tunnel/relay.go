package tunnel

import (
	"context"

	"shmtunnel/pkg/local"
	"shmtunnel/pkg/overlay"
	"shmtunnel/pkg/proto"
)

// One relay pass per direction per cycle. Both passes are poll-then-
// continue: a sample that cannot move this instant is dropped and
// counted, never waited on, so a slow or disconnected overlay can stall
// nothing on the local bus. The per-bridge cap keeps one hot channel
// from starving the rest of the pass.

func (r *Registry) IngressPass(ctx context.Context) {
	for _, bridge := range r.sorted(proto.Ingress) {
		if ctx.Err() != nil {
			return
		}
		r.ingressOne(ctx, bridge)
	}
}

func (r *Registry) ingressOne(ctx context.Context, bridge *Bridge) {
	for n := 0; n < r.cfg.MaxPerCycle; n++ {
		payload, ok, err := bridge.localSub.TryRecv()
		if err != nil {
			r.log.Warnw("local receive failed", "service", bridge.Identity.Name, "error", err)
			return
		}
		if !ok {
			return
		}
		bridge.seq++
		frame := overlay.Encode(bridge.seq, bridge.class, payload)
		if err := r.transport.Publish(ctx, bridge.key, frame); err != nil {
			bridge.Stats.Dropped++
			r.metrics.Dropped.WithLabelValues("ingress", "overlay_publish").Inc()
			continue
		}
		bridge.Stats.Relayed++
		bridge.touch()
		r.metrics.Relayed.WithLabelValues("ingress").Inc()
	}
}

func (r *Registry) EgressPass(ctx context.Context) {
	for _, bridge := range r.sorted(proto.Egress) {
		if ctx.Err() != nil {
			return
		}
		r.egressOne(bridge)
	}
}

func (r *Registry) egressOne(bridge *Bridge) {
	for n := 0; n < r.cfg.MaxPerCycle; n++ {
		frame, ok, err := bridge.overlaySub.TryRecv()
		if err != nil {
			r.log.Warnw("overlay receive failed", "service", bridge.Identity.Name, "error", err)
			return
		}
		if !ok {
			return
		}
		_, payload, err := overlay.Decode(frame, bridge.class)
		if err != nil {
			bridge.Stats.Dropped++
			r.metrics.Dropped.WithLabelValues("egress", "decode").Inc()
			r.log.Debugw("frame dropped", "service", bridge.Identity.Name, "error", err)
			continue
		}
		if err := bridge.localPub.TrySend(payload); err != nil {
			bridge.Stats.Dropped++
			reason := "local_publish"
			if err == local.ErrChannelFull {
				reason = "local_full"
			}
			r.metrics.Dropped.WithLabelValues("egress", reason).Inc()
			continue
		}
		bridge.Stats.Relayed++
		bridge.touch()
		r.metrics.Relayed.WithLabelValues("egress").Inc()
	}
}
