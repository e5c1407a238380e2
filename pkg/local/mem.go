package local

import (
	"os"
	"sync"
	"time"

	"shmtunnel/pkg/proto"
)

const defaultChannelCapacity = 256

// MemSubstrate is the in-process substrate implementation: bounded
// channels keyed by service name, registered into the on-disk registry so
// discovery and the read-only CLI commands see them like any other
// endpoint on the bus. Production deployments substitute the external
// shared-memory adapter behind the same Substrate interface.
type MemSubstrate struct {
	reg      *Registry
	node     string
	capacity int

	mu       sync.Mutex
	channels map[string]*memChannel
	closed   bool
}

type memChannel struct {
	identity   proto.ServiceIdentity
	ch         chan []byte
	pubs       int
	subs       int
	shadowPubs int
	shadowSubs int
}

func (ch *memChannel) declared() bool {
	return ch.pubs > 0 || ch.subs > 0
}

func (ch *memChannel) attached() bool {
	return ch.declared() || ch.shadowPubs > 0 || ch.shadowSubs > 0
}

func Open(root string, node string) (*MemSubstrate, error) {
	reg, err := OpenRegistry(root)
	if err != nil {
		return nil, err
	}
	s := &MemSubstrate{
		reg:      reg,
		node:     node,
		capacity: defaultChannelCapacity,
		channels: make(map[string]*memChannel),
	}
	if err := reg.PutNode(NodeInfo{Name: node, PID: os.Getpid(), StartedAt: time.Now().UTC()}); err != nil {
		_ = reg.Close()
		return nil, err
	}
	return s, nil
}

func (s *MemSubstrate) Registry() *Registry { return s.reg }

// SetChannelCapacity changes the buffer size used for channels created
// after the call. Existing channels keep their capacity.
func (s *MemSubstrate) SetChannelCapacity(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 {
		s.capacity = n
	}
}

func (s *MemSubstrate) ListNodes() ([]NodeInfo, error) {
	nodes, _, err := s.reg.ListNodes()
	return nodes, err
}

func (s *MemSubstrate) ListServices() ([]ServiceInfo, error) {
	services, _, err := s.reg.ListServices()
	return services, err
}

func (s *MemSubstrate) OpenSubscriber(identity proto.ServiceIdentity) (Subscriber, error) {
	ch, err := s.attach(identity, false, false)
	if err != nil {
		return nil, err
	}
	return &memSubscriber{sub: s, ch: ch}, nil
}

func (s *MemSubstrate) OpenPublisher(identity proto.ServiceIdentity) (Publisher, error) {
	ch, err := s.attach(identity, true, false)
	if err != nil {
		return nil, err
	}
	return &memPublisher{sub: s, ch: ch}, nil
}

// Shadow returns a view whose endpoints move traffic like any other but
// are never declared in the service directory. The tunnel opens its
// bridge endpoints through it, so discovery only ever sees application
// publishers and subscribers.
func (s *MemSubstrate) Shadow() Substrate {
	return shadowSubstrate{s: s}
}

type shadowSubstrate struct {
	s *MemSubstrate
}

func (v shadowSubstrate) ListNodes() ([]NodeInfo, error) { return v.s.ListNodes() }

func (v shadowSubstrate) ListServices() ([]ServiceInfo, error) { return v.s.ListServices() }

func (v shadowSubstrate) Shadow() Substrate { return v }

func (v shadowSubstrate) OpenSubscriber(identity proto.ServiceIdentity) (Subscriber, error) {
	ch, err := v.s.attach(identity, false, true)
	if err != nil {
		return nil, err
	}
	return &memSubscriber{sub: v.s, ch: ch, shadow: true}, nil
}

func (v shadowSubstrate) OpenPublisher(identity proto.ServiceIdentity) (Publisher, error) {
	ch, err := v.s.attach(identity, true, true)
	if err != nil {
		return nil, err
	}
	return &memPublisher{sub: v.s, ch: ch, shadow: true}, nil
}

// Close is a no-op: the owning session closes the bus.
func (v shadowSubstrate) Close() error { return nil }

func (s *MemSubstrate) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	s.channels = make(map[string]*memChannel)
	s.mu.Unlock()

	for _, name := range names {
		_ = s.reg.RemoveService(name)
	}
	_ = s.reg.RemoveNode(s.node)
	return s.reg.Close()
}

func (s *MemSubstrate) attach(identity proto.ServiceIdentity, publisher, shadow bool) (*memChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	ch, ok := s.channels[identity.Name]
	if !ok {
		ch = &memChannel{identity: identity, ch: make(chan []byte, s.capacity)}
		s.channels[identity.Name] = ch
	} else if !ch.identity.Equal(identity) {
		return nil, ErrTypeMismatch
	}
	switch {
	case shadow && publisher:
		ch.shadowPubs++
	case shadow:
		ch.shadowSubs++
	case publisher:
		ch.pubs++
	default:
		ch.subs++
	}
	return ch, s.syncDescriptor(ch)
}

func (s *MemSubstrate) detach(ch *memChannel, publisher, shadow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	switch {
	case shadow && publisher:
		ch.shadowPubs--
	case shadow:
		ch.shadowSubs--
	case publisher:
		ch.pubs--
	default:
		ch.subs--
	}
	if !ch.attached() {
		delete(s.channels, ch.identity.Name)
		_ = s.reg.RemoveService(ch.identity.Name)
		return
	}
	_ = s.syncDescriptor(ch)
}

// syncDescriptor declares only application endpoints. A channel held by
// shadow endpoints alone stays usable but disappears from the directory.
func (s *MemSubstrate) syncDescriptor(ch *memChannel) error {
	if !ch.declared() {
		return s.reg.RemoveService(ch.identity.Name)
	}
	return s.reg.PutService(ServiceInfo{
		Identity:    ch.identity,
		Publishers:  ch.pubs,
		Subscribers: ch.subs,
		Node:        s.node,
	})
}

type memSubscriber struct {
	sub    *MemSubstrate
	ch     *memChannel
	shadow bool
	closed bool
}

func (m *memSubscriber) TryRecv() ([]byte, bool, error) {
	if m.closed {
		return nil, false, ErrClosed
	}
	select {
	case payload := <-m.ch.ch:
		return payload, true, nil
	default:
		return nil, false, nil
	}
}

func (m *memSubscriber) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	m.sub.detach(m.ch, false, m.shadow)
	return nil
}

type memPublisher struct {
	sub    *MemSubstrate
	ch     *memChannel
	shadow bool
	closed bool
}

func (m *memPublisher) TrySend(payload []byte) error {
	if m.closed {
		return ErrClosed
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	select {
	case m.ch.ch <- buf:
		return nil
	default:
		return ErrChannelFull
	}
}

func (m *memPublisher) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	m.sub.detach(m.ch, true, m.shadow)
	return nil
}
