package overlay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"shmtunnel/pkg/proto"
)

const subscriptionBuffer = 256

type Options struct {
	Addr        string
	DB          int
	Prefix      string
	HostID      string
	AnnounceTTL time.Duration
}

// RedisTransport implements Transport over a redis instance reachable by
// every bridged host. Announcements are plain keys with a TTL, refreshed
// every cycle and expiring on their own when a host dies; payloads ride
// one pub/sub channel per service key, which preserves per-key order and
// drops when nobody listens — exactly the best-effort contract the
// tunnel relays against.
type RedisTransport struct {
	client *redis.Client
	prefix string
	host   string
	ttl    time.Duration
}

func DialRedis(ctx context.Context, opts Options) (*RedisTransport, error) {
	if opts.HostID == "" {
		return nil, fmt.Errorf("overlay host id must not be empty")
	}
	client := redis.NewClient(&redis.Options{Addr: opts.Addr, DB: opts.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("overlay session %s: %w", opts.Addr, err)
	}
	ttl := opts.AnnounceTTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "shmtunnel"
	}
	return &RedisTransport{client: client, prefix: prefix, host: opts.HostID, ttl: ttl}, nil
}

func (t *RedisTransport) Announce(ctx context.Context, ann proto.Announcement) error {
	ann.PeerID = t.host
	raw, err := json.Marshal(ann)
	if err != nil {
		return err
	}
	return t.client.Set(ctx, t.announceKey(ann.Identity), raw, t.ttl).Err()
}

func (t *RedisTransport) Withdraw(ctx context.Context, identity proto.ServiceIdentity) error {
	return t.client.Del(ctx, t.announceKey(identity)).Err()
}

func (t *RedisTransport) RemoteAnnouncements(ctx context.Context) ([]proto.Announcement, int, error) {
	var anns []proto.Announcement
	malformed := 0
	ownPrefix := t.prefix + ":ann:" + t.host + ":"
	iter := t.client.Scan(ctx, 0, t.prefix+":ann:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasPrefix(key, ownPrefix) {
			continue
		}
		raw, err := t.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, malformed, fmt.Errorf("overlay announcement %s: %w", key, err)
		}
		var ann proto.Announcement
		if json.Unmarshal(raw, &ann) != nil || ann.Identity.Name == "" || ann.PeerID == "" {
			malformed++
			continue
		}
		if ann.PeerID == t.host {
			continue
		}
		anns = append(anns, ann)
	}
	if err := iter.Err(); err != nil {
		return nil, malformed, fmt.Errorf("overlay announcement scan: %w", err)
	}
	return anns, malformed, nil
}

func (t *RedisTransport) Publish(ctx context.Context, key string, frame []byte) error {
	return t.client.Publish(ctx, t.dataChannel(key), frame).Err()
}

func (t *RedisTransport) Subscribe(ctx context.Context, key string) (Subscription, error) {
	ps := t.client.Subscribe(ctx, t.dataChannel(key))
	// Force the subscribe handshake so an unreachable overlay fails at
	// bridge open rather than on the first relay pass.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("overlay subscribe %s: %w", key, err)
	}
	return &redisSubscription{
		ps: ps,
		ch: ps.Channel(redis.WithChannelSize(subscriptionBuffer)),
	}, nil
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}

func (t *RedisTransport) announceKey(identity proto.ServiceIdentity) string {
	return t.prefix + ":ann:" + t.host + ":" + identity.Key()
}

func (t *RedisTransport) dataChannel(key string) string {
	return t.prefix + ":data:" + key
}

type redisSubscription struct {
	ps *redis.PubSub
	ch <-chan *redis.Message
}

func (s *redisSubscription) TryRecv() ([]byte, bool, error) {
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return nil, false, fmt.Errorf("overlay subscription closed")
		}
		return []byte(msg.Payload), true, nil
	default:
		return nil, false, nil
	}
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}
