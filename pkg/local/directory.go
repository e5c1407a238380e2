package local

import (
	"time"

	"shmtunnel/pkg/proto"
)

// DirectoryReader turns registry listings into local-origin
// announcements for the reconciliation cycle.
//
// A service with publishers is subscribable (the tunnel can drain it); a
// service with subscribers is publishable (a local consumer is willing to
// receive). Snapshot failures surface as an error with an empty set, so
// the caller can log the staleness instead of silently reusing old state.
type DirectoryReader struct {
	reg *Registry
}

func NewDirectoryReader(reg *Registry) *DirectoryReader {
	return &DirectoryReader{reg: reg}
}

// Snapshot returns the current local announcements and the number of
// malformed descriptor files skipped.
func (r *DirectoryReader) Snapshot() ([]proto.Announcement, int, error) {
	services, skipped, err := r.reg.ListServices()
	if err != nil {
		return nil, 0, err
	}
	now := time.Now().UTC()
	anns := make([]proto.Announcement, 0, len(services))
	for _, svc := range services {
		anns = append(anns, proto.Announcement{
			Identity:     svc.Identity,
			Publishable:  svc.Subscribers > 0,
			Subscribable: svc.Publishers > 0,
			DiscoveredAt: now,
		})
	}
	return anns, skipped, nil
}
