package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ErrShortMessage is returned when a message body ends before all fields are read.
var ErrShortMessage = errors.New("message truncated")

// PacketReader reads little-endian fields from a message body.
type PacketReader struct {
	r *bytes.Reader
}

// NewPacketReader wraps a message body.
func NewPacketReader(data []byte) *PacketReader {
	return &PacketReader{r: bytes.NewReader(data)}
}

// ReadByte reads a single byte.
func (p *PacketReader) ReadByte() (byte, error) {
	b, err := p.r.ReadByte()
	if err != nil {
		return 0, ErrShortMessage
	}
	return b, nil
}

// ReadUint16 reads a little-endian uint16.
func (p *PacketReader) ReadUint16() (uint16, error) {
	var v uint16
	if err := binary.Read(p.r, binary.LittleEndian, &v); err != nil {
		return 0, ErrShortMessage
	}
	return v, nil
}

// ReadUint32 reads a little-endian uint32.
func (p *PacketReader) ReadUint32() (uint32, error) {
	var v uint32
	if err := binary.Read(p.r, binary.LittleEndian, &v); err != nil {
		return 0, ErrShortMessage
	}
	return v, nil
}

// ReadFloat32 reads a little-endian float32.
func (p *PacketReader) ReadFloat32() (float32, error) {
	v, err := p.ReadUint32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// ReadFloat64 reads a little-endian float64.
func (p *PacketReader) ReadFloat64() (float64, error) {
	var v uint64
	if err := binary.Read(p.r, binary.LittleEndian, &v); err != nil {
		return 0, ErrShortMessage
	}
	return math.Float64frombits(v), nil
}

// ReadNullString reads bytes up to and excluding a zero terminator.
func (p *PacketReader) ReadNullString() (string, error) {
	var buf bytes.Buffer
	for {
		b, err := p.r.ReadByte()
		if err != nil {
			return "", ErrShortMessage
		}
		if b == 0 {
			return buf.String(), nil
		}
		buf.WriteByte(b)
	}
}

// Rest returns all unread bytes.
func (p *PacketReader) Rest() []byte {
	rest, _ := io.ReadAll(p.r)
	return rest
}

// Remaining returns the number of unread bytes.
func (p *PacketReader) Remaining() int {
	return p.r.Len()
}

// ---- Client -> server decoding ----

// DecodeClientMessage parses an envelope payload sent by a game client.
// Unknown kinds decode to Unknown without error so callers can branch on them.
func DecodeClientMessage(payload []byte) (Message, error) {
	if len(payload) < 1 {
		return nil, ErrShortMessage
	}

	kind := payload[0]
	r := NewPacketReader(payload[1:])

	if kind == MsgHandshakeRequest {
		version, err := r.ReadUint32()
		if err != nil {
			return nil, fmt.Errorf("handshake request: %w", err)
		}
		return HandshakeRequest{Version: version}, nil
	}

	// Every other client message starts with the session nonce.
	switch kind {
	case MsgChunkAck, MsgJoin, MsgDisconnect, MsgPong, MsgClockReport, MsgApplication:
	default:
		return Unknown{Type: kind}, nil
	}

	nonce, err := r.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("message 0x%02X nonce: %w", kind, err)
	}

	switch kind {
	case MsgChunkAck:
		index, err := r.ReadUint32()
		if err != nil {
			return nil, fmt.Errorf("chunk ack: %w", err)
		}
		return ChunkAck{Nonce: nonce, Index: index}, nil

	case MsgJoin:
		return Join{Nonce: nonce, Payload: r.Rest()}, nil

	case MsgDisconnect:
		return ClientDisconnect{Nonce: nonce}, nil

	case MsgPong:
		stamp, err := r.ReadUint32()
		if err != nil {
			return nil, fmt.Errorf("pong: %w", err)
		}
		return Pong{Nonce: nonce, Stamp: stamp}, nil

	case MsgClockReport:
		timer, err := r.ReadFloat64()
		if err != nil {
			return nil, fmt.Errorf("clock report: %w", err)
		}
		if math.IsNaN(timer) || math.IsInf(timer, 0) {
			return nil, fmt.Errorf("clock report: %w", ErrShortMessage)
		}
		return ClockReport{Nonce: nonce, Timer: timer}, nil

	default: // MsgApplication
		body := r.Rest()
		if len(body) == 0 {
			return nil, fmt.Errorf("application: %w", ErrEmptyPayload)
		}
		return ClientApplication{Nonce: nonce, Payload: body}, nil
	}
}

// ---- Server -> client decoding ----

// DecodeServerMessage parses an envelope payload sent by the server.
// It is used by client tooling and tests.
func DecodeServerMessage(payload []byte) (Message, error) {
	if len(payload) < 1 {
		return nil, ErrShortMessage
	}

	kind := payload[0]
	r := NewPacketReader(payload[1:])

	switch kind {
	case MsgHandshakeAck:
		id, err := r.ReadUint16()
		if err != nil {
			return nil, fmt.Errorf("handshake ack: %w", err)
		}
		nonce, err := r.ReadUint32()
		if err != nil {
			return nil, fmt.Errorf("handshake ack: %w", err)
		}
		return HandshakeAck{ConnectionID: id, Nonce: nonce}, nil

	case MsgHandshakeReject:
		return HandshakeReject{}, nil

	case MsgAssetStart:
		size, err := r.ReadUint32()
		if err != nil {
			return nil, fmt.Errorf("asset start: %w", err)
		}
		chunks, err := r.ReadUint32()
		if err != nil {
			return nil, fmt.Errorf("asset start: %w", err)
		}
		return AssetStart{Size: size, Chunks: chunks}, nil

	case MsgAssetChunk:
		index, err := r.ReadUint32()
		if err != nil {
			return nil, fmt.Errorf("asset chunk: %w", err)
		}
		return AssetChunk{Index: index, Data: r.Rest()}, nil

	case MsgAssetComplete:
		return AssetComplete{}, nil

	case MsgJoinAccept:
		id, err := r.ReadUint16()
		if err != nil {
			return nil, fmt.Errorf("join accept: %w", err)
		}
		return JoinAccept{PlayerID: id}, nil

	case MsgDisconnect:
		return ServerDisconnect{}, nil

	case MsgPing:
		stamp, err := r.ReadUint32()
		if err != nil {
			return nil, fmt.Errorf("ping: %w", err)
		}
		return Ping{Stamp: stamp}, nil

	case MsgApplication:
		return ServerApplication{Payload: r.Rest()}, nil

	default:
		return Unknown{Type: kind}, nil
	}
}
