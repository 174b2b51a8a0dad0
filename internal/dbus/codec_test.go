package dbus

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bitstreamout/dbus-broker/internal/dvar"
)

func TestEncodeDecodeMessage_RoundTrip(t *testing.T) {
	bodyType := dvar.ParseType("s")
	bw := dvar.NewWriter(bodyType, false, nil)
	require.NoError(t, bw.WriteString("hello"))
	body, err := bw.End()
	require.NoError(t, err)

	fields := Fields{
		Path: "/org/test/Object", HasPath: true,
		Interface: "org.test.Iface", HasInterface: true,
		Member: "DoThing", HasMember: true,
		Signature: "s", HasSignature: true,
	}
	header := Header{Type: TypeMethodCall, Serial: 42, Version: ProtocolVersion, BodyLength: uint32(len(body))}

	wire, err := EncodeMessage(header, fields, body)
	require.NoError(t, err)
	require.Equal(t, 0, (len(wire)-len(body))%8)

	prelude, err := ParsePrelude(wire)
	require.NoError(t, err)
	require.Equal(t, TypeMethodCall, prelude.Type)
	require.Equal(t, uint32(42), prelude.Serial)

	arrayLen, err := FieldArrayLength(wire, prelude.BigEndian)
	require.NoError(t, err)

	decodedFields, err := DecodeFields(wire, prelude.BigEndian, arrayLen)
	require.NoError(t, err)
	require.Equal(t, "/org/test/Object", decodedFields.Path)
	require.Equal(t, "org.test.Iface", decodedFields.Interface)
	require.Equal(t, "DoThing", decodedFields.Member)
	require.Equal(t, "s", decodedFields.Signature)

	headerRegion := HeaderRegionSize(arrayLen)
	total := TotalMessageSize(headerRegion, prelude.BodyLength)
	require.Equal(t, len(wire), total)

	msg, err := DecodeMessage(wire, nil)
	require.NoError(t, err)
	require.Equal(t, "DoThing", msg.Fields.Member)

	bodyReader := dvar.NewReader(bodyType, prelude.BigEndian, msg.Body, nil)
	s, err := bodyReader.ReadString()
	require.NoError(t, err)
	require.Equal(t, "hello", s)
}

func TestParsePrelude_TooShort(t *testing.T) {
	_, err := ParsePrelude([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestParsePrelude_InvalidEndianness(t *testing.T) {
	buf := make([]byte, PreludeSize)
	buf[0] = 'x'
	_, err := ParsePrelude(buf)
	require.Error(t, err)
}

func TestDecodeMessage_WrongUnixFDCount(t *testing.T) {
	header := Header{Type: TypeSignal, Serial: 1, Version: ProtocolVersion}
	fields := Fields{UnixFDs: 2, HasUnixFDs: true}
	wire, err := EncodeMessage(header, fields, nil)
	require.NoError(t, err)

	_, err = DecodeMessage(wire, []int{7})
	require.Error(t, err)
}

func TestDecodeMessage_TruncatedBuffer(t *testing.T) {
	header := Header{Type: TypeSignal, Serial: 1, Version: ProtocolVersion}
	wire, err := EncodeMessage(header, Fields{}, []byte("extra"))
	require.NoError(t, err)

	_, err = DecodeMessage(wire[:len(wire)-2], nil)
	require.Error(t, err)
}
