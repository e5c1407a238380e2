package tunnel

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"shmtunnel/pkg/config"
	"shmtunnel/pkg/local"
	"shmtunnel/pkg/overlay"
	"shmtunnel/pkg/proto"
)

// How long an identical bridge-open failure stays quiet before it is
// logged again.
const openFailureLogEvery = 30 * time.Second

// Registry owns every bridge and is the only writer of bridge lifecycle
// state. Reconcile is a pure decision step over the two directory
// snapshots; Apply performs the endpoint work it decided on.
type Registry struct {
	cfg       config.Config
	substrate local.Substrate
	transport overlay.Transport
	log       *zap.SugaredLogger
	metrics   *Metrics

	bridges      map[pairKey]*Bridge
	conflicts    map[string]string
	openFailures map[pairKey]time.Time
}

type CreateSpec struct {
	Identity  proto.ServiceIdentity
	Direction proto.Direction
}

type Diff struct {
	Create []CreateSpec
	Retire []pairKey
}

func (d Diff) Empty() bool {
	return len(d.Create) == 0 && len(d.Retire) == 0
}

func NewRegistry(cfg config.Config, substrate local.Substrate, transport overlay.Transport, log *zap.SugaredLogger, metrics *Metrics) *Registry {
	return &Registry{
		cfg:          cfg,
		substrate:    substrate,
		transport:    transport,
		log:          log,
		metrics:      metrics,
		bridges:      make(map[pairKey]*Bridge),
		conflicts:    make(map[string]string),
		openFailures: make(map[pairKey]time.Time),
	}
}

// Reconcile diffs the desired bridge set against the live one. It
// mutates only absence counters and conflict bookkeeping; endpoint work
// happens in Apply. Calling it twice with unchanged snapshots of present
// identities yields an empty second diff.
func (r *Registry) Reconcile(localAnns, remoteAnns []proto.Announcement) Diff {
	localByName := indexByName(localAnns)
	remoteByName := indexByName(remoteAnns)

	conflicted := r.trackConflicts(localByName, remoteByName)

	desired := make(map[pairKey]proto.ServiceIdentity)
	for name, ann := range remoteByName {
		if conflicted[name] || !ann.Publishable {
			continue
		}
		if !r.cfg.Allows(name) {
			continue
		}
		desired[pairKey{name: name, direction: proto.Egress}] = ann.Identity
	}
	for name, ann := range localByName {
		if conflicted[name] || !ann.Subscribable {
			continue
		}
		// A name bridged in from the overlay is not bridged back out:
		// the local publisher on an egress name is the tunnel itself,
		// and re-ingressing it would echo every sample.
		if _, ok := desired[pairKey{name: name, direction: proto.Egress}]; ok {
			continue
		}
		desired[pairKey{name: name, direction: proto.Ingress}] = ann.Identity
	}

	for key := range r.openFailures {
		if _, wanted := desired[key]; !wanted {
			delete(r.openFailures, key)
		}
	}

	var diff Diff
	for key, identity := range desired {
		bridge, ok := r.bridges[key]
		if !ok {
			diff.Create = append(diff.Create, CreateSpec{Identity: identity, Direction: key.direction})
			continue
		}
		bridge.absentCycles = 0
		if !bridge.Identity.Equal(identity) {
			// The channel was re-declared with a new type; retire now,
			// the next cycle recreates it against the new identity.
			diff.Retire = append(diff.Retire, key)
		}
	}

	for key, bridge := range r.bridges {
		if _, wanted := desired[key]; wanted {
			continue
		}
		_, inLocal := localByName[key.name]
		_, inRemote := remoteByName[key.name]
		if inLocal || inRemote {
			bridge.absentCycles = 0
			continue
		}
		bridge.absentCycles++
		if bridge.absentCycles >= r.cfg.Hysteresis {
			diff.Retire = append(diff.Retire, key)
		}
	}

	sort.Slice(diff.Create, func(i, j int) bool {
		a, b := diff.Create[i], diff.Create[j]
		if a.Identity.Name != b.Identity.Name {
			return a.Identity.Name < b.Identity.Name
		}
		return a.Direction < b.Direction
	})
	sort.Slice(diff.Retire, func(i, j int) bool {
		a, b := diff.Retire[i], diff.Retire[j]
		if a.name != b.name {
			return a.name < b.name
		}
		return a.direction < b.direction
	})
	return diff
}

// trackConflicts reports names whose local and remote announcements
// disagree on type signature. A conflict is logged once at onset and
// again only after it has cleared and re-appeared.
func (r *Registry) trackConflicts(localByName, remoteByName map[string]proto.Announcement) map[string]bool {
	conflicted := make(map[string]bool)
	for name, localAnn := range localByName {
		remoteAnn, ok := remoteByName[name]
		if !ok || localAnn.Identity.TypeSignature == remoteAnn.Identity.TypeSignature {
			continue
		}
		conflicted[name] = true
		if r.conflicts[name] != remoteAnn.Identity.TypeSignature {
			r.conflicts[name] = remoteAnn.Identity.TypeSignature
			r.metrics.Conflicts.Inc()
			r.log.Warnw("identity conflict, bridge rejected",
				"service", name,
				"local_type", localAnn.Identity.TypeSignature,
				"remote_type", remoteAnn.Identity.TypeSignature,
				"peer", remoteAnn.PeerID)
		}
	}
	for name := range r.conflicts {
		if !conflicted[name] {
			delete(r.conflicts, name)
		}
	}
	return conflicted
}

// Apply retires then creates. An open failure leaves the pair absent and
// is logged at most once per openFailureLogEvery; the next cycle retries.
func (r *Registry) Apply(ctx context.Context, diff Diff) {
	for _, key := range diff.Retire {
		r.retire(ctx, key)
	}
	for _, spec := range diff.Create {
		if ctx.Err() != nil {
			return
		}
		r.open(ctx, spec)
	}
}

func (r *Registry) open(ctx context.Context, spec CreateSpec) {
	bridge := &Bridge{
		Identity:  spec.Identity,
		Direction: spec.Direction,
		State:     proto.StateOpening,
		key:       spec.Identity.Key(),
		class:     proto.ResolveTypeClass(spec.Identity.TypeSignature),
	}

	var err error
	switch spec.Direction {
	case proto.Ingress:
		bridge.localSub, err = r.substrate.OpenSubscriber(spec.Identity)
		if err == nil {
			err = r.transport.Announce(ctx, proto.Announcement{
				Identity:     spec.Identity,
				Publishable:  true,
				DiscoveredAt: time.Now().UTC(),
			})
		}
	case proto.Egress:
		bridge.overlaySub, err = r.transport.Subscribe(ctx, bridge.key)
		if err == nil {
			bridge.localPub, err = r.substrate.OpenPublisher(spec.Identity)
		}
	}
	if err != nil {
		bridge.release()
		r.metrics.OpenFailures.Inc()
		key := pairKey{name: spec.Identity.Name, direction: spec.Direction}
		if last, ok := r.openFailures[key]; !ok || time.Since(last) >= openFailureLogEvery {
			r.openFailures[key] = time.Now()
			r.log.Warnw("bridge open failed",
				"service", spec.Identity.Name,
				"direction", spec.Direction.String(),
				"error", err)
		}
		return
	}

	bridge.State = proto.StateOpen
	bridge.touch()
	key := pairKey{name: spec.Identity.Name, direction: spec.Direction}
	delete(r.openFailures, key)
	r.bridges[key] = bridge
	r.metrics.BridgesOpened.WithLabelValues(spec.Direction.String()).Inc()
	r.metrics.OpenBridges.WithLabelValues(spec.Direction.String()).Inc()
	r.log.Infow("bridge opened",
		"service", spec.Identity.Name,
		"type", spec.Identity.TypeSignature,
		"class", bridge.class.String(),
		"direction", spec.Direction.String())
}

func (r *Registry) retire(ctx context.Context, key pairKey) {
	bridge, ok := r.bridges[key]
	if !ok {
		return
	}
	bridge.State = proto.StateClosing
	bridge.release()
	if bridge.Direction == proto.Ingress {
		if err := r.transport.Withdraw(ctx, bridge.Identity); err != nil {
			r.log.Warnw("withdraw failed", "service", key.name, "error", err)
		}
	}
	delete(r.bridges, key)
	r.metrics.BridgesClosed.WithLabelValues(bridge.Direction.String()).Inc()
	r.metrics.OpenBridges.WithLabelValues(bridge.Direction.String()).Dec()
	r.log.Infow("bridge retired",
		"service", key.name,
		"direction", key.direction.String(),
		"relayed", bridge.Stats.Relayed,
		"dropped", bridge.Stats.Dropped)
}

// Reannounce refreshes the TTL on this host's overlay announcements, one
// per open ingress bridge.
func (r *Registry) Reannounce(ctx context.Context) {
	for _, bridge := range r.sorted(proto.Ingress) {
		if ctx.Err() != nil {
			return
		}
		err := r.transport.Announce(ctx, proto.Announcement{
			Identity:     bridge.Identity,
			Publishable:  true,
			DiscoveredAt: time.Now().UTC(),
		})
		if err != nil {
			r.log.Debugw("re-announce failed", "service", bridge.Identity.Name, "error", err)
		}
	}
}

// CloseAll retires every bridge; used on shutdown. Release failures are
// logged by retire and never prevent exit.
func (r *Registry) CloseAll(ctx context.Context) {
	for _, key := range r.sortedKeys() {
		r.retire(ctx, key)
	}
}

// Status lists the live bridges in registry iteration order.
func (r *Registry) Status() []BridgeStatus {
	var out []BridgeStatus
	for _, key := range r.sortedKeys() {
		bridge := r.bridges[key]
		out = append(out, BridgeStatus{
			Identity:  bridge.Identity,
			Direction: bridge.Direction,
			State:     bridge.State,
			Stats:     bridge.Stats,
		})
	}
	return out
}

func (r *Registry) state(name string, direction proto.Direction) proto.BridgeState {
	if bridge, ok := r.bridges[pairKey{name: name, direction: direction}]; ok {
		return bridge.State
	}
	return proto.StateAbsent
}

// sorted returns the open bridges of one direction in stable name order,
// which is the round-robin order relay passes follow.
func (r *Registry) sorted(direction proto.Direction) []*Bridge {
	var out []*Bridge
	for key, bridge := range r.bridges {
		if key.direction == direction && bridge.State == proto.StateOpen {
			out = append(out, bridge)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.Name < out[j].Identity.Name })
	return out
}

func (r *Registry) sortedKeys() []pairKey {
	keys := make([]pairKey, 0, len(r.bridges))
	for key := range r.bridges {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].name != keys[j].name {
			return keys[i].name < keys[j].name
		}
		return keys[i].direction < keys[j].direction
	})
	return keys
}

// indexByName keeps the first announcement per name; duplicates from
// several peers for the same identity are expected and equivalent.
func indexByName(anns []proto.Announcement) map[string]proto.Announcement {
	byName := make(map[string]proto.Announcement, len(anns))
	for _, ann := range anns {
		if _, ok := byName[ann.Identity.Name]; !ok {
			byName[ann.Identity.Name] = ann
		}
	}
	return byName
}
