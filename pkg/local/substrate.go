// Package local is the toolkit's view of the shared-memory IPC
// substrate: service/node enumeration plus non-blocking publish and
// subscribe endpoints. The real bus lives outside this process; what
// ships here is the consumed interface, the filesystem registry its
// daemon maintains, and an in-process substrate for loopback runs and
// tests.
package local

import (
	"errors"
	"time"

	"shmtunnel/pkg/proto"
)

var (
	ErrChannelFull  = errors.New("local channel full")
	ErrTypeMismatch = errors.New("service declared with different type signature")
	ErrClosed       = errors.New("substrate closed")
)

type NodeInfo struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

type ServiceInfo struct {
	Identity    proto.ServiceIdentity `json:"identity"`
	Publishers  int                   `json:"publishers"`
	Subscribers int                   `json:"subscribers"`
	Node        string                `json:"node"`
}

// Subscriber drains samples from a local service. TryRecv never blocks:
// the second return is false when nothing is available.
type Subscriber interface {
	TryRecv() ([]byte, bool, error)
	Close() error
}

// Publisher writes samples into a local service. TrySend never blocks:
// a full channel yields ErrChannelFull and the sample is the caller's to
// drop.
type Publisher interface {
	TrySend(payload []byte) error
	Close() error
}

// Substrate is the one-per-process session against the local bus.
// Shadow returns a view whose endpoints carry traffic but are invisible
// to discovery; infrastructure that taps a channel without being one of
// its application endpoints opens through it.
type Substrate interface {
	ListNodes() ([]NodeInfo, error)
	ListServices() ([]ServiceInfo, error)
	OpenSubscriber(identity proto.ServiceIdentity) (Subscriber, error)
	OpenPublisher(identity proto.ServiceIdentity) (Publisher, error)
	Shadow() Substrate
	Close() error
}
