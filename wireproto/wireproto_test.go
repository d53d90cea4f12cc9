package wireproto_test

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/RemoteEntanglement/Wavemeter-Server/wireproto"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRoundTripSimpleMessage(t *testing.T) {
	m := wireproto.New(wireproto.Control, "CON", wireproto.Str("alice"))
	b, err := wireproto.Encode(m)
	require.NoError(t, err)

	got, err := wireproto.ReadMessage(bufio.NewReader(bytes.NewReader(b)))
	require.NoError(t, err)
	require.Equal(t, m.Flag, got.Flag)
	require.Equal(t, m.Target, got.Target)
	require.Equal(t, m.Command, got.Command)
	require.Len(t, got.Data, 1)
	s, err := got.Data[0].AsString()
	require.NoError(t, err)
	require.Equal(t, "alice", s)
}

func TestRoundTripAllValueKinds(t *testing.T) {
	m := wireproto.New(wireproto.Data, "TFR",
		wireproto.Str("Ch1"),
		wireproto.Float(300.123456789),
		wireproto.Int(-42),
		wireproto.Bool(true),
		wireproto.List(wireproto.Str("a"), wireproto.Str("b")),
	)
	b, err := wireproto.Encode(m)
	require.NoError(t, err)

	got, err := wireproto.ReadMessage(bufio.NewReader(bytes.NewReader(b)))
	require.NoError(t, err)
	require.Len(t, got.Data, 5)

	s, _ := got.Data[0].AsString()
	require.Equal(t, "Ch1", s)
	f, _ := got.Data[1].AsFloat()
	require.InDelta(t, 300.123456789, f, 1e-12)
	i, _ := got.Data[2].AsInt()
	require.Equal(t, -42, i)
	bl, _ := got.Data[3].AsBool()
	require.True(t, bl)
	list, _ := got.Data[4].AsList()
	require.Len(t, list, 2)
}

// TestReadMessageDoesNotConsumeFollowingBytes exercises that ReadMessage,
// driven from a *bufio.Reader, reads exactly one frame even when more
// frames are queued behind it - this is what lets the session layer
// decode frames one at a time off a live connection.
func TestReadMessageDoesNotConsumeFollowingBytes(t *testing.T) {
	m1 := wireproto.New(wireproto.Control, "WMS")
	m2 := wireproto.New(wireproto.Control, "STP")
	b1, err := wireproto.Encode(m1)
	require.NoError(t, err)
	b2, err := wireproto.Encode(m2)
	require.NoError(t, err)

	r := bufio.NewReader(bytes.NewReader(append(b1, b2...)))
	got1, err := wireproto.ReadMessage(r)
	require.NoError(t, err)
	require.Equal(t, "WMS", got1.Command)

	got2, err := wireproto.ReadMessage(r)
	require.NoError(t, err)
	require.Equal(t, "STP", got2.Command)
}

// TestPropertyStringRoundTrip exercises P4-adjacent codec correctness: any
// string value (including non-ASCII, since UTF-16BE must carry it) survives
// an encode/decode cycle unchanged.
func TestPropertyStringRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := rapid.String().Draw(rt, "s")
		m := wireproto.New(wireproto.Data, "TFR", wireproto.Str(s))
		b, err := wireproto.Encode(m)
		require.NoError(rt, err)
		got, err := wireproto.ReadMessage(bufio.NewReader(bytes.NewReader(b)))
		require.NoError(rt, err)
		out, err := got.Data[0].AsString()
		require.NoError(rt, err)
		require.Equal(rt, s, out)
	})
}

func TestPropertyFloatRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := rapid.Float64().Draw(rt, "f")
		m := wireproto.New(wireproto.Data, "TFR", wireproto.Str("Ch1"), wireproto.Float(f))
		b, err := wireproto.Encode(m)
		require.NoError(rt, err)
		got, err := wireproto.ReadMessage(bufio.NewReader(bytes.NewReader(b)))
		require.NoError(rt, err)
		out, err := got.Data[1].AsFloat()
		require.NoError(rt, err)
		if f != f {
			// NaN != NaN, skip equality check
			return
		}
		require.Equal(rt, f, out)
	})
}

func TestAsAccessorsRejectWrongKind(t *testing.T) {
	v := wireproto.Str("hello")
	_, err := v.AsFloat()
	require.Error(t, err)
	_, err = v.AsInt()
	require.Error(t, err)
	_, err = v.AsBool()
	require.Error(t, err)
	_, err = v.AsList()
	require.Error(t, err)
}
