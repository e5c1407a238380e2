package proto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

const OriginLocal = "local"

// ServiceIdentity names a publish/subscribe channel independently of any
// process. Two identities refer to the same channel iff both name and
// type signature match exactly.
type ServiceIdentity struct {
	Name          string `json:"name"`
	TypeSignature string `json:"type_signature"`
}

func (id ServiceIdentity) Equal(other ServiceIdentity) bool {
	return id.Name == other.Name && id.TypeSignature == other.TypeSignature
}

// Key returns the stable overlay key for this identity. The type
// signature is folded in as a digest so that incompatible declarations of
// the same name never share a data channel.
func (id ServiceIdentity) Key() string {
	sum := sha256.Sum256([]byte(id.TypeSignature))
	return id.Name + "@" + hex.EncodeToString(sum[:8])
}

type Announcement struct {
	Identity     ServiceIdentity `json:"identity"`
	PeerID       string          `json:"peer_id,omitempty"`
	Publishable  bool            `json:"publishable"`
	Subscribable bool            `json:"subscribable"`
	DiscoveredAt time.Time       `json:"discovered_at"`
}

func (a Announcement) Origin() string {
	if a.PeerID == "" {
		return OriginLocal
	}
	return a.PeerID
}

type Direction int

const (
	Ingress Direction = iota // local subscribe -> network publish
	Egress                   // network subscribe -> local publish
)

func (d Direction) String() string {
	if d == Ingress {
		return "ingress"
	}
	return "egress"
}

type BridgeState int

const (
	StateAbsent BridgeState = iota
	StateOpening
	StateOpen
	StateClosing
)

func (s BridgeState) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "absent"
	}
}

// RelayStats is per-bridge bookkeeping, used for observability only.
type RelayStats struct {
	Relayed      uint64    `json:"relayed"`
	Dropped      uint64    `json:"dropped"`
	LastActivity time.Time `json:"last_activity"`
}

// TypeClass is the wire shape of a payload, resolved once from the type
// signature when a bridge opens. Anything unrecognized falls back to raw
// bytes.
type TypeClass byte

const (
	ClassBytes TypeClass = iota
	ClassU8
	ClassU16
	ClassU32
	ClassU64
)

func (c TypeClass) String() string {
	switch c {
	case ClassU8:
		return "u8"
	case ClassU16:
		return "u16"
	case ClassU32:
		return "u32"
	case ClassU64:
		return "u64"
	default:
		return "bytes"
	}
}

// Stride is the alignment a payload of this class must satisfy.
func (c TypeClass) Stride() int {
	switch c {
	case ClassU16:
		return 2
	case ClassU32:
		return 4
	case ClassU64:
		return 8
	default:
		return 1
	}
}

var typeClassTokens = map[string]TypeClass{
	"u8":       ClassU8,
	"uint8":    ClassU8,
	"uint8_t":  ClassU8,
	"u16":      ClassU16,
	"uint16":   ClassU16,
	"uint16_t": ClassU16,
	"u32":      ClassU32,
	"uint32":   ClassU32,
	"uint32_t": ClassU32,
	"f32":      ClassU32,
	"float":    ClassU32,
	"u64":      ClassU64,
	"uint64":   ClassU64,
	"uint64_t": ClassU64,
	"i64":      ClassU64,
	"f64":      ClassU64,
	"double":   ClassU64,
}

// ResolveTypeClass maps a type signature like "u16", "[u32; 4]" or
// "double" onto its wire class. Composite or unknown signatures resolve
// to raw bytes.
func ResolveTypeClass(signature string) TypeClass {
	sig := strings.ToLower(strings.TrimSpace(signature))
	sig = strings.TrimPrefix(sig, "[")
	if idx := strings.IndexAny(sig, ";] "); idx > 0 {
		sig = sig[:idx]
	}
	if class, ok := typeClassTokens[sig]; ok {
		return class
	}
	return ClassBytes
}
