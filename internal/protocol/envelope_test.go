package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestSequencedEnvelopeLayout(t *testing.T) {
	got := Sequenced([]byte{0xAA, 0xBB}, 0x1234).Encode()
	want := []byte{KindSequenced, 0x34, 0x12, 0xAA, 0xBB}
	if !bytes.Equal(got, want) {
		t.Fatalf("encoded = %x, want %x", got, want)
	}

	env, err := DecodeEnvelope(got)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !env.IsSequenced() || env.Seq != 0x1234 || !bytes.Equal(env.Payload, []byte{0xAA, 0xBB}) {
		t.Fatalf("decoded = %+v", env)
	}
}

func TestPlainEnvelopeHasNoSequence(t *testing.T) {
	got := Plain([]byte{MsgApplication, 7}).Encode()
	if !bytes.Equal(got, []byte{KindPlain, MsgApplication, 7}) {
		t.Fatalf("encoded = %x", got)
	}
	env, err := DecodeEnvelope(got)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.IsSequenced() || env.Seq != 0 {
		t.Fatalf("plain envelope decoded as %+v", env)
	}
}

func TestDecodeEnvelopeRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrShortEnvelope},
		{"plain without payload", []byte{KindPlain}, ErrEmptyPayload},
		{"sequenced short header", []byte{KindSequenced, 1}, ErrShortEnvelope},
		{"sequenced without payload", []byte{KindSequenced, 1, 0}, ErrEmptyPayload},
		{"unknown kind", []byte{0x7F, 1, 2}, ErrUnknownEnvelope},
		{"oversized", make([]byte, MaxDatagramSize+1), ErrOversized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeEnvelope(tc.data)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestSeqNewerHandlesWraparound(t *testing.T) {
	cases := []struct {
		a, b uint16
		want bool
	}{
		{1, 0, true},
		{0, 1, false},
		{0, 65535, true},
		{65535, 0, false},
		{5, 5, false},
		{100, 65500, true},
	}
	for _, tc := range cases {
		if got := SeqNewer(tc.a, tc.b); got != tc.want {
			t.Errorf("SeqNewer(%d, %d) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
