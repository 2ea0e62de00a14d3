package protocol

// Message is the closed set of control messages carried in envelope payloads.
// Callers switch on the concrete type; Unknown covers unrecognised kinds.
type Message interface {
	Kind() byte
}

// Client -> server.

type HandshakeRequest struct {
	Version uint32
}

type ChunkAck struct {
	Nonce uint32
	Index uint32
}

type Join struct {
	Nonce   uint32
	Payload []byte
}

type ClientDisconnect struct {
	Nonce uint32
}

type Pong struct {
	Nonce uint32
	Stamp uint32
}

type ClockReport struct {
	Nonce uint32
	Timer float64
}

type ClientApplication struct {
	Nonce   uint32
	Payload []byte
}

// Server -> client.

type HandshakeAck struct {
	ConnectionID uint16
	Nonce        uint32
}

type HandshakeReject struct{}

type AssetStart struct {
	Size   uint32
	Chunks uint32
}

type AssetChunk struct {
	Index uint32
	Data  []byte
}

type AssetComplete struct{}

type JoinAccept struct {
	PlayerID uint16
}

type ServerDisconnect struct{}

type Ping struct {
	Stamp uint32
}

type ServerApplication struct {
	Payload []byte
}

// Unknown is any message kind this side does not understand.
type Unknown struct {
	Type byte
}

func (HandshakeRequest) Kind() byte  { return MsgHandshakeRequest }
func (ChunkAck) Kind() byte          { return MsgChunkAck }
func (Join) Kind() byte              { return MsgJoin }
func (ClientDisconnect) Kind() byte  { return MsgDisconnect }
func (Pong) Kind() byte              { return MsgPong }
func (ClockReport) Kind() byte       { return MsgClockReport }
func (ClientApplication) Kind() byte { return MsgApplication }
func (HandshakeAck) Kind() byte      { return MsgHandshakeAck }
func (HandshakeReject) Kind() byte   { return MsgHandshakeReject }
func (AssetStart) Kind() byte        { return MsgAssetStart }
func (AssetChunk) Kind() byte        { return MsgAssetChunk }
func (AssetComplete) Kind() byte     { return MsgAssetComplete }
func (JoinAccept) Kind() byte        { return MsgJoinAccept }
func (ServerDisconnect) Kind() byte  { return MsgDisconnect }
func (Ping) Kind() byte              { return MsgPing }
func (ServerApplication) Kind() byte { return MsgApplication }
func (u Unknown) Kind() byte         { return u.Type }

// MessageNonce returns the session nonce carried by a client message.
func MessageNonce(m Message) (uint32, bool) {
	switch msg := m.(type) {
	case ChunkAck:
		return msg.Nonce, true
	case Join:
		return msg.Nonce, true
	case ClientDisconnect:
		return msg.Nonce, true
	case Pong:
		return msg.Nonce, true
	case ClockReport:
		return msg.Nonce, true
	case ClientApplication:
		return msg.Nonce, true
	default:
		return 0, false
	}
}

// ---- Client -> server constructors ----

// BuildHandshakeRequest: [kind][version:4]
func BuildHandshakeRequest(version uint32) []byte {
	return NewPacketBuilder(MsgHandshakeRequest).WriteUint32(version).Build()
}

// BuildChunkAck: [kind][nonce:4][index:4]
func BuildChunkAck(nonce, index uint32) []byte {
	return NewPacketBuilder(MsgChunkAck).WriteUint32(nonce).WriteUint32(index).Build()
}

// BuildJoin: [kind][nonce:4][payload...]
func BuildJoin(nonce uint32, payload []byte) []byte {
	return NewPacketBuilder(MsgJoin).WriteUint32(nonce).WriteBytes(payload).Build()
}

// BuildClientDisconnect: [kind][nonce:4]
func BuildClientDisconnect(nonce uint32) []byte {
	return NewPacketBuilder(MsgDisconnect).WriteUint32(nonce).Build()
}

// BuildPong: [kind][nonce:4][stamp:4]
func BuildPong(nonce, stamp uint32) []byte {
	return NewPacketBuilder(MsgPong).WriteUint32(nonce).WriteUint32(stamp).Build()
}

// BuildClockReport: [kind][nonce:4][timer:8]
func BuildClockReport(nonce uint32, timer float64) []byte {
	return NewPacketBuilder(MsgClockReport).WriteUint32(nonce).WriteFloat64(timer).Build()
}

// BuildClientApplication: [kind][nonce:4][payload...]
func BuildClientApplication(nonce uint32, payload []byte) []byte {
	return NewPacketBuilder(MsgApplication).WriteUint32(nonce).WriteBytes(payload).Build()
}
