package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrShortEnvelope   = errors.New("envelope too short")
	ErrUnknownEnvelope = errors.New("unknown envelope kind")
	ErrEmptyPayload    = errors.New("envelope has no payload")
	ErrOversized       = errors.New("envelope exceeds datagram size")
)

// Envelope is the wire-level wrapper around one logical message.
// Seq is only meaningful when Kind is KindSequenced.
type Envelope struct {
	Kind    byte
	Seq     uint16
	Payload []byte
}

// Plain wraps payload in an unsequenced envelope.
func Plain(payload []byte) Envelope {
	return Envelope{Kind: KindPlain, Payload: payload}
}

// Sequenced wraps payload in a sequenced envelope.
func Sequenced(payload []byte, seq uint16) Envelope {
	return Envelope{Kind: KindSequenced, Seq: seq, Payload: payload}
}

// IsSequenced reports whether the envelope carries a sequence number.
func (e Envelope) IsSequenced() bool {
	return e.Kind == KindSequenced
}

// Encode serialises the envelope.
// Format: [kind:1][seq:2 LE, sequenced only][payload...]
func (e Envelope) Encode() []byte {
	if e.Kind == KindSequenced {
		out := make([]byte, EnvelopeHeaderSize+len(e.Payload))
		out[0] = KindSequenced
		binary.LittleEndian.PutUint16(out[1:3], e.Seq)
		copy(out[3:], e.Payload)
		return out
	}
	out := make([]byte, 1+len(e.Payload))
	out[0] = KindPlain
	copy(out[1:], e.Payload)
	return out
}

// DecodeEnvelope parses one datagram. The returned payload aliases data.
func DecodeEnvelope(data []byte) (Envelope, error) {
	if len(data) < 1 {
		return Envelope{}, ErrShortEnvelope
	}
	if len(data) > MaxDatagramSize {
		return Envelope{}, ErrOversized
	}

	switch data[0] {
	case KindPlain:
		if len(data) == 1 {
			return Envelope{}, ErrEmptyPayload
		}
		return Envelope{Kind: KindPlain, Payload: data[1:]}, nil

	case KindSequenced:
		if len(data) < EnvelopeHeaderSize {
			return Envelope{}, ErrShortEnvelope
		}
		if len(data) == EnvelopeHeaderSize {
			return Envelope{}, ErrEmptyPayload
		}
		return Envelope{
			Kind:    KindSequenced,
			Seq:     binary.LittleEndian.Uint16(data[1:3]),
			Payload: data[3:],
		}, nil

	default:
		return Envelope{}, fmt.Errorf("%w: 0x%02X", ErrUnknownEnvelope, data[0])
	}
}

// SeqNewer reports whether a is more recent than b modulo 65536.
func SeqNewer(a, b uint16) bool {
	return a != b && a-b < 0x8000
}
