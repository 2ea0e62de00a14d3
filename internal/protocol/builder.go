package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// PacketBuilder constructs message payloads. Writes are chainable.
type PacketBuilder struct {
	buf bytes.Buffer
}

// NewPacketBuilder creates a builder whose first byte is the message kind.
func NewPacketBuilder(kind byte) *PacketBuilder {
	b := &PacketBuilder{}
	b.buf.WriteByte(kind)
	return b
}

// WriteByte writes a single byte.
func (b *PacketBuilder) WriteByte(v byte) *PacketBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteUint16 writes a uint16 in little-endian order.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	b.buf.Write(tmp[:])
	return b
}

// WriteUint32 writes a uint32 in little-endian order.
func (b *PacketBuilder) WriteUint32(v uint32) *PacketBuilder {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.buf.Write(tmp[:])
	return b
}

// WriteFloat32 writes a float32 in little-endian order.
func (b *PacketBuilder) WriteFloat32(v float32) *PacketBuilder {
	return b.WriteUint32(math.Float32bits(v))
}

// WriteFloat64 writes a float64 in little-endian order.
func (b *PacketBuilder) WriteFloat64(v float64) *PacketBuilder {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v))
	b.buf.Write(tmp[:])
	return b
}

// WriteNullString writes a null-terminated string.
func (b *PacketBuilder) WriteNullString(s string) *PacketBuilder {
	b.buf.WriteString(s)
	b.buf.WriteByte(0)
	return b
}

// WriteBytes writes raw bytes.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	b.buf.Write(data)
	return b
}

// Build returns the constructed payload.
func (b *PacketBuilder) Build() []byte {
	return b.buf.Bytes()
}

// Len returns the current size of the payload being built.
func (b *PacketBuilder) Len() int {
	return b.buf.Len()
}

// String returns a hex dump of the current payload for debugging.
func (b *PacketBuilder) String() string {
	data := b.buf.Bytes()
	return fmt.Sprintf("PacketBuilder[%d bytes]: %x", len(data), data)
}

// ---- Server -> client constructors ----

// BuildHandshakeAck: [kind][connection_id:2][nonce:4]
func BuildHandshakeAck(connectionID uint16, nonce uint32) []byte {
	return NewPacketBuilder(MsgHandshakeAck).WriteUint16(connectionID).WriteUint32(nonce).Build()
}

// BuildHandshakeReject: [kind]
func BuildHandshakeReject() []byte {
	return []byte{MsgHandshakeReject}
}

// BuildAssetStart: [kind][size:4][chunks:4]
func BuildAssetStart(size, chunks uint32) []byte {
	return NewPacketBuilder(MsgAssetStart).WriteUint32(size).WriteUint32(chunks).Build()
}

// BuildAssetChunk: [kind][index:4][data...]
func BuildAssetChunk(index uint32, data []byte) []byte {
	return NewPacketBuilder(MsgAssetChunk).WriteUint32(index).WriteBytes(data).Build()
}

// BuildAssetComplete: [kind]
func BuildAssetComplete() []byte {
	return []byte{MsgAssetComplete}
}

// BuildJoinAccept: [kind][player_id:2]
func BuildJoinAccept(playerID uint16) []byte {
	return NewPacketBuilder(MsgJoinAccept).WriteUint16(playerID).Build()
}

// BuildServerDisconnect: [kind]
func BuildServerDisconnect() []byte {
	return []byte{MsgDisconnect}
}

// BuildPing: [kind][stamp:4]
func BuildPing(stamp uint32) []byte {
	return NewPacketBuilder(MsgPing).WriteUint32(stamp).Build()
}

// BuildApplication wraps an opaque game payload: [kind][payload...]
func BuildApplication(payload []byte) []byte {
	return NewPacketBuilder(MsgApplication).WriteBytes(payload).Build()
}

// BuildInfoResponse creates a server-info reply.
// Format: [magic:1][name:null_str][map:null_str][players:1][max_players:1][version:4]
func BuildInfoResponse(name, mapName string, players, maxPlayers int, version uint32) []byte {
	return NewPacketBuilder(InfoProbeMagicByte).
		WriteNullString(name).
		WriteNullString(mapName).
		WriteByte(clampByte(players)).
		WriteByte(clampByte(maxPlayers)).
		WriteUint32(version).
		Build()
}

func clampByte(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
