// Package loopback is a smoke-test role: it produces a counter stream on
// one service and drains whatever arrives on it, so a pair of hosts can
// verify the tunnel end to end without any real application on the bus.
package loopback

import (
	"context"
	"encoding/binary"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"shmtunnel/pkg/local"
	"shmtunnel/pkg/proto"
)

type Service struct {
	substrate local.Substrate
	log       *zap.SugaredLogger

	identity proto.ServiceIdentity
	period   time.Duration
	logEvery uint64

	sent     uint64
	received uint64
}

func New(substrate local.Substrate, log *zap.SugaredLogger) *Service {
	return &Service{
		substrate: substrate,
		log:       log,
		identity: proto.ServiceIdentity{
			Name:          envOr("SHMTUNNEL_LOOPBACK_SERVICE", "loopback"),
			TypeSignature: envOr("SHMTUNNEL_LOOPBACK_TYPE", "u64"),
		},
		period:   envDurationMS("SHMTUNNEL_LOOPBACK_PERIOD_MS", 250*time.Millisecond),
		logEvery: 20,
	}
}

func (s *Service) Run(ctx context.Context) error {
	pub, err := s.substrate.OpenPublisher(s.identity)
	if err != nil {
		return err
	}
	defer pub.Close()
	sub, err := s.substrate.OpenSubscriber(s.identity)
	if err != nil {
		return err
	}
	defer sub.Close()

	s.log.Infow("loopback enabled",
		"service", s.identity.Name,
		"type", s.identity.TypeSignature,
		"period", s.period)

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Infow("loopback stopped", "sent", s.sent, "received", s.received)
			return ctx.Err()
		case <-ticker.C:
		}

		s.sent++
		payload := make([]byte, 8)
		binary.BigEndian.PutUint64(payload, s.sent)
		if err := pub.TrySend(payload); err != nil && err != local.ErrChannelFull {
			return err
		}

		for {
			payload, ok, err := sub.TryRecv()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			s.received++
			if s.received%s.logEvery == 0 {
				s.log.Infow("loopback samples",
					"received", s.received,
					"last", binary.BigEndian.Uint64(payload))
			}
		}
	}
}

func envOr(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationMS(key string, fallback time.Duration) time.Duration {
	v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || v <= 0 {
		return fallback
	}
	return time.Duration(v) * time.Millisecond
}
