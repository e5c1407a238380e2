package overlay

import (
	"encoding/binary"
	"errors"
	"fmt"

	"shmtunnel/pkg/proto"
)

// Wire envelope for relayed samples: [u32 sequence][u8 type tag][payload].
// The sequence is per bridge and wraps; the tag is the type class
// resolved at bridge open, so the receiving side can reject a mismatched
// payload without re-inspecting the signature.

const headerSize = 5

var ErrShortFrame = errors.New("frame shorter than envelope header")

func Encode(seq uint32, class proto.TypeClass, payload []byte) []byte {
	frame := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(frame[:4], seq)
	frame[4] = byte(class)
	copy(frame[headerSize:], payload)
	return frame
}

func Decode(frame []byte, want proto.TypeClass) (uint32, []byte, error) {
	if len(frame) < headerSize {
		return 0, nil, ErrShortFrame
	}
	seq := binary.BigEndian.Uint32(frame[:4])
	class := proto.TypeClass(frame[4])
	if class != want {
		return 0, nil, fmt.Errorf("type tag %s does not match bridge class %s", class, want)
	}
	payload := frame[headerSize:]
	if stride := want.Stride(); len(payload)%stride != 0 {
		return 0, nil, fmt.Errorf("payload length %d not aligned to %s stride %d", len(payload), want, stride)
	}
	return seq, payload, nil
}
