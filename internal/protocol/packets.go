// Package protocol implements the wire format spoken between blockfort and
// game clients: the envelope that wraps every datagram and the control
// messages carried inside it. All multi-byte fields are little-endian.
package protocol

// Envelope kinds (first byte of every datagram).
const (
	KindPlain     byte = 0x00 // unordered, no sequence number
	KindSequenced byte = 0x01 // carries a per-destination sequence number
)

// Message kinds (first byte of an envelope payload).
const (
	MsgHandshakeRequest byte = 0x01 // client hello with protocol version
	MsgHandshakeAck     byte = 0x02 // connection id + nonce
	MsgHandshakeReject  byte = 0x03 // no body, reason is never disclosed
	MsgAssetStart       byte = 0x04 // asset size + chunk count
	MsgAssetChunk       byte = 0x05 // chunk index + data
	MsgAssetComplete    byte = 0x06 // transfer finished
	MsgChunkAck         byte = 0x07 // client acknowledges a chunk
	MsgJoin             byte = 0x08 // nickname/team selection, opaque to the core
	MsgJoinAccept       byte = 0x09 // player id
	MsgDisconnect       byte = 0x0A // either side closes
	MsgPing             byte = 0x0B // server keepalive
	MsgPong             byte = 0x0C // client keepalive reply
	MsgClockReport      byte = 0x0D // client-reported timer value
	MsgApplication      byte = 0x10 // opaque game payload
)

const (
	// MaxDatagramSize bounds a single envelope on the wire.
	MaxDatagramSize = 65507

	// EnvelopeHeaderSize is the header length of a sequenced envelope.
	EnvelopeHeaderSize = 3

	// NonceSize is the size of the nonce every post-handshake client message carries.
	NonceSize = 4
)

// InfoProbeMagicByte is the probe/response marker of the server-info responder.
const InfoProbeMagicByte byte = 0xCA
