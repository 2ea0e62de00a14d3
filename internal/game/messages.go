package game

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/blockfort/blockfort/internal/protocol"
)

// Application message kinds, the first byte of every game payload.
const (
	AppPosition     byte = 0x01 // c->s x,y,z f32; s->c id u16, x,y,z f32
	AppChat         byte = 0x02 // c->s text; s->c id u16, text
	AppBlock        byte = 0x03 // c->s action u8, x,y,z u16; s->c id u16 first
	AppPlayerJoined byte = 0x10 // s->c id u16, team u8, name
	AppPlayerLeft   byte = 0x11 // s->c id u16
)

// Teams accepted in a join request.
const (
	TeamBlue      uint8 = 0
	TeamGreen     uint8 = 1
	TeamSpectator uint8 = 255
)

const (
	MaxNameLength = 16
	MaxChatLength = 90
)

var (
	ErrBadJoin     = errors.New("invalid join request")
	ErrBadPosition = errors.New("position out of bounds")
	ErrUnknownApp  = errors.New("unknown application message")
)

// JoinRequest is the decoded join payload: [team u8][name null_str].
type JoinRequest struct {
	Team uint8
	Name string
}

// DecodeJoin parses and validates a join payload.
func DecodeJoin(payload []byte) (JoinRequest, error) {
	r := protocol.NewPacketReader(payload)
	team, err := r.ReadByte()
	if err != nil {
		return JoinRequest{}, fmt.Errorf("%w: %v", ErrBadJoin, err)
	}
	name, err := r.ReadNullString()
	if err != nil {
		return JoinRequest{}, fmt.Errorf("%w: %v", ErrBadJoin, err)
	}

	switch team {
	case TeamBlue, TeamGreen, TeamSpectator:
	default:
		return JoinRequest{}, fmt.Errorf("%w: team %d", ErrBadJoin, team)
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = "Deuce"
	}
	if len(name) > MaxNameLength {
		return JoinRequest{}, fmt.Errorf("%w: name longer than %d", ErrBadJoin, MaxNameLength)
	}
	for _, ch := range name {
		if ch < 0x20 || ch > 0x7E {
			return JoinRequest{}, fmt.Errorf("%w: name has non-printable characters", ErrBadJoin)
		}
	}
	return JoinRequest{Team: team, Name: name}, nil
}

// EncodeJoin builds a join payload.
func EncodeJoin(team uint8, name string) []byte {
	return protocol.NewPacketBuilder(team).WriteNullString(name).Build()
}

// Position is a player location in map units.
type Position struct {
	X, Y, Z float32
}

// Valid reports whether p is finite and inside the map volume.
func (p Position) Valid() bool {
	for _, v := range []float32{p.X, p.Y, p.Z} {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return p.X >= 0 && p.X < MapWidth &&
		p.Y >= 0 && p.Y < MapDepth &&
		p.Z >= -MapHeight && p.Z < MapHeight
}

// BlockAction is a single block edit.
type BlockAction struct {
	Action  uint8
	X, Y, Z uint16
}

// ClientMessage is a decoded client game payload.
type ClientMessage struct {
	Kind     byte
	Position Position
	Chat     string
	Block    BlockAction
}

// DecodeClient parses a game payload sent by a client.
func DecodeClient(payload []byte) (ClientMessage, error) {
	if len(payload) == 0 {
		return ClientMessage{}, protocol.ErrShortMessage
	}
	msg := ClientMessage{Kind: payload[0]}
	r := protocol.NewPacketReader(payload[1:])

	switch msg.Kind {
	case AppPosition:
		x, err := r.ReadFloat32()
		if err != nil {
			return msg, err
		}
		y, err := r.ReadFloat32()
		if err != nil {
			return msg, err
		}
		z, err := r.ReadFloat32()
		if err != nil {
			return msg, err
		}
		msg.Position = Position{X: x, Y: y, Z: z}
		if !msg.Position.Valid() {
			return msg, ErrBadPosition
		}

	case AppChat:
		text, err := r.ReadNullString()
		if err != nil {
			return msg, err
		}
		text = strings.TrimSpace(text)
		if len(text) > MaxChatLength {
			text = text[:MaxChatLength]
		}
		msg.Chat = text

	case AppBlock:
		action, err := r.ReadByte()
		if err != nil {
			return msg, err
		}
		var coords [3]uint16
		for i := range coords {
			if coords[i], err = r.ReadUint16(); err != nil {
				return msg, err
			}
		}
		msg.Block = BlockAction{Action: action, X: coords[0], Y: coords[1], Z: coords[2]}
		if msg.Block.X >= MapWidth || msg.Block.Y >= MapDepth || msg.Block.Z >= MapHeight {
			return msg, ErrBadPosition
		}

	default:
		return msg, fmt.Errorf("%w: 0x%02X", ErrUnknownApp, msg.Kind)
	}
	return msg, nil
}

// ---- Client -> server builders ----

func EncodePosition(p Position) []byte {
	return protocol.NewPacketBuilder(AppPosition).
		WriteFloat32(p.X).WriteFloat32(p.Y).WriteFloat32(p.Z).Build()
}

func EncodeChat(text string) []byte {
	return protocol.NewPacketBuilder(AppChat).WriteNullString(text).Build()
}

func EncodeBlock(b BlockAction) []byte {
	return protocol.NewPacketBuilder(AppBlock).
		WriteByte(b.Action).WriteUint16(b.X).WriteUint16(b.Y).WriteUint16(b.Z).Build()
}

// ---- Server -> client builders ----

func positionUpdate(id int, p Position) []byte {
	return protocol.NewPacketBuilder(AppPosition).WriteUint16(uint16(id)).
		WriteFloat32(p.X).WriteFloat32(p.Y).WriteFloat32(p.Z).Build()
}

func chatRelay(id int, text string) []byte {
	return protocol.NewPacketBuilder(AppChat).WriteUint16(uint16(id)).WriteNullString(text).Build()
}

func blockRelay(id int, b BlockAction) []byte {
	return protocol.NewPacketBuilder(AppBlock).WriteUint16(uint16(id)).
		WriteByte(b.Action).WriteUint16(b.X).WriteUint16(b.Y).WriteUint16(b.Z).Build()
}

func playerJoined(id int, team uint8, name string) []byte {
	return protocol.NewPacketBuilder(AppPlayerJoined).WriteUint16(uint16(id)).
		WriteByte(team).WriteNullString(name).Build()
}

func playerLeft(id int) []byte {
	return protocol.NewPacketBuilder(AppPlayerLeft).WriteUint16(uint16(id)).Build()
}
