package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestDecodeClientMessageCarriesNonce(t *testing.T) {
	msgs := [][]byte{
		BuildChunkAck(0xDEADBEEF, 3),
		BuildJoin(0xDEADBEEF, []byte("deuce")),
		BuildClientDisconnect(0xDEADBEEF),
		BuildPong(0xDEADBEEF, 99),
		BuildClockReport(0xDEADBEEF, 1.5),
		BuildClientApplication(0xDEADBEEF, []byte{1}),
	}
	for _, raw := range msgs {
		m, err := DecodeClientMessage(raw)
		if err != nil {
			t.Fatalf("decode 0x%02X: %v", raw[0], err)
		}
		nonce, ok := MessageNonce(m)
		if !ok || nonce != 0xDEADBEEF {
			t.Fatalf("message 0x%02X nonce = %x, %v", raw[0], nonce, ok)
		}
		if m.Kind() != raw[0] {
			t.Fatalf("kind = 0x%02X, want 0x%02X", m.Kind(), raw[0])
		}
	}
}

func TestDecodeClientMessageJoinPayload(t *testing.T) {
	m, err := DecodeClientMessage(BuildJoin(1, []byte{2, 'a', 0}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	join, ok := m.(Join)
	if !ok {
		t.Fatalf("got %T, want Join", m)
	}
	if !bytes.Equal(join.Payload, []byte{2, 'a', 0}) {
		t.Fatalf("payload = %x", join.Payload)
	}
}

func TestDecodeClientMessageUnknownKind(t *testing.T) {
	m, err := DecodeClientMessage([]byte{0x66, 1, 2})
	if err != nil {
		t.Fatalf("unknown kinds must not error: %v", err)
	}
	if u, ok := m.(Unknown); !ok || u.Type != 0x66 {
		t.Fatalf("got %#v", m)
	}
}

func TestDecodeClientMessageTruncated(t *testing.T) {
	cases := [][]byte{
		{},
		{MsgHandshakeRequest, 1, 2},
		{MsgChunkAck, 1, 2, 3, 4, 5},
		{MsgPong, 1, 2},
		{MsgClockReport, 1, 2, 3, 4, 0, 0},
	}
	for _, raw := range cases {
		if _, err := DecodeClientMessage(raw); !errors.Is(err, ErrShortMessage) {
			t.Errorf("decode %x: got %v, want ErrShortMessage", raw, err)
		}
	}
}

func TestDecodeClientApplicationRequiresBody(t *testing.T) {
	_, err := DecodeClientMessage(BuildClientApplication(1, nil))
	if !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("got %v, want ErrEmptyPayload", err)
	}
}

func TestDecodeServerMessages(t *testing.T) {
	m, err := DecodeServerMessage(BuildHandshakeAck(7, 42))
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack := m.(HandshakeAck); ack.ConnectionID != 7 || ack.Nonce != 42 {
		t.Fatalf("ack = %+v", ack)
	}

	m, err = DecodeServerMessage(BuildAssetChunk(9, []byte("abc")))
	if err != nil {
		t.Fatalf("decode chunk: %v", err)
	}
	if chunk := m.(AssetChunk); chunk.Index != 9 || string(chunk.Data) != "abc" {
		t.Fatalf("chunk = %+v", chunk)
	}
}

func TestBuildInfoResponseClampsCounts(t *testing.T) {
	data := BuildInfoResponse("srv", "map", 300, -1, 3)
	r := NewPacketReader(data)
	magic, _ := r.ReadByte()
	name, _ := r.ReadNullString()
	mapName, _ := r.ReadNullString()
	players, _ := r.ReadByte()
	maxPlayers, _ := r.ReadByte()
	version, err := r.ReadUint32()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if magic != InfoProbeMagicByte || name != "srv" || mapName != "map" {
		t.Fatalf("header mismatch: %x %q %q", magic, name, mapName)
	}
	if players != 255 || maxPlayers != 0 || version != 3 {
		t.Fatalf("counts = %d/%d v%d", players, maxPlayers, version)
	}
}
