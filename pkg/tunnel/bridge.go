package tunnel

import (
	"time"

	"shmtunnel/pkg/local"
	"shmtunnel/pkg/overlay"
	"shmtunnel/pkg/proto"
)

type pairKey struct {
	name      string
	direction proto.Direction
}

// Bridge binds one local service identity to its overlay counterpart in
// one direction. The registry is the sole writer of its lifecycle state;
// relay passes borrow it for a single bounded pass and never retain it.
type Bridge struct {
	Identity  proto.ServiceIdentity
	Direction proto.Direction
	State     proto.BridgeState
	Stats     proto.RelayStats

	key   string
	class proto.TypeClass
	seq   uint32

	localSub   local.Subscriber
	localPub   local.Publisher
	overlaySub overlay.Subscription

	absentCycles int
}

func (b *Bridge) touch() {
	b.Stats.LastActivity = time.Now().UTC()
}

// release closes whichever endpoints are held, tolerating partially
// opened bridges.
func (b *Bridge) release() {
	if b.localSub != nil {
		_ = b.localSub.Close()
		b.localSub = nil
	}
	if b.localPub != nil {
		_ = b.localPub.Close()
		b.localPub = nil
	}
	if b.overlaySub != nil {
		_ = b.overlaySub.Close()
		b.overlaySub = nil
	}
}

// BridgeStatus is the read-only view reported in logs and by CloseAll.
type BridgeStatus struct {
	Identity  proto.ServiceIdentity
	Direction proto.Direction
	State     proto.BridgeState
	Stats     proto.RelayStats
}
