// Package overlay is the wide-area side of the tunnel: announcement of
// bridged services and best-effort, per-key-ordered payload delivery.
// The shipped implementation runs over redis (announcement keys with a
// TTL, one pub/sub channel per service key).
package overlay

import (
	"context"

	"shmtunnel/pkg/proto"
)

// Subscription drains messages for one service key. TryRecv never
// blocks; the second return is false when nothing is pending.
type Subscription interface {
	TryRecv() ([]byte, bool, error)
	Close() error
}

// Transport is the one-per-process overlay session.
type Transport interface {
	Announce(ctx context.Context, ann proto.Announcement) error
	Withdraw(ctx context.Context, identity proto.ServiceIdentity) error
	// RemoteAnnouncements snapshots what other hosts are bridging. The
	// int is the number of malformed entries dropped from the snapshot.
	RemoteAnnouncements(ctx context.Context) ([]proto.Announcement, int, error)
	Publish(ctx context.Context, key string, frame []byte) error
	Subscribe(ctx context.Context, key string) (Subscription, error)
	Close() error
}

// Directory adapts the transport's announcement view to the
// reconciliation cycle's snapshot contract.
type Directory struct {
	transport Transport
}

func NewDirectory(transport Transport) *Directory {
	return &Directory{transport: transport}
}

func (d *Directory) Snapshot(ctx context.Context) ([]proto.Announcement, int, error) {
	return d.transport.RemoteAnnouncements(ctx)
}
