package sasl

import (
	"encoding/hex"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hexUID(uid uint32) string {
	return hex.EncodeToString([]byte(strconv.FormatUint(uint64(uid), 10)))
}

func TestServer_ExternalAuth_MatchingUID_Accepted(t *testing.T) {
	s := NewServer(1000, false)

	out, err := s.Dispatch("AUTH EXTERNAL " + hexUID(1000))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Regexp(t, `^OK [0-9a-f]+$`, out[0])

	out, err = s.Dispatch("BEGIN")
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.True(t, s.Done())
	assert.Equal(t, uint32(1000), s.AuthorizedUID())
}

func TestServer_ExternalAuth_MismatchedUID_Rejected(t *testing.T) {
	s := NewServer(1000, false)

	out, err := s.Dispatch("AUTH EXTERNAL " + hexUID(2000))
	require.NoError(t, err)
	require.Equal(t, []string{"REJECTED EXTERNAL"}, out)
	assert.False(t, s.Done())
}

func TestServer_ExternalAuth_BareRequest_UsesPeerCredentials(t *testing.T) {
	s := NewServer(4242, false)

	out, err := s.Dispatch("AUTH EXTERNAL")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, uint32(4242), s.AuthorizedUID())
}

func TestServer_Anonymous_RejectedUnlessAllowed(t *testing.T) {
	s := NewServer(1000, false)
	out, err := s.Dispatch("AUTH ANONYMOUS")
	require.NoError(t, err)
	assert.Equal(t, []string{"REJECTED EXTERNAL"}, out)

	s2 := NewServer(1000, true)
	out2, err := s2.Dispatch("AUTH ANONYMOUS")
	require.NoError(t, err)
	require.Len(t, out2, 1)
	assert.Regexp(t, `^OK `, out2[0])
}

func TestServer_UnknownMechanism_ListsSupported(t *testing.T) {
	s := NewServer(1000, false)
	out, err := s.Dispatch("AUTH DIGEST-MD5")
	require.NoError(t, err)
	assert.Equal(t, []string{"REJECTED EXTERNAL ANONYMOUS"}, out)
}

func TestServer_NegotiateUnixFD_AgreesBeforeBegin(t *testing.T) {
	s := NewServer(1000, false)
	_, err := s.Dispatch("AUTH EXTERNAL " + hexUID(1000))
	require.NoError(t, err)

	out, err := s.Dispatch("NEGOTIATE_UNIX_FD")
	require.NoError(t, err)
	assert.Equal(t, []string{"AGREE_UNIX_FD"}, out)
	assert.False(t, s.Done())
}

func TestServer_TooManyRejections_ClosesConnection(t *testing.T) {
	s := NewServer(1000, false)
	var err error
	for i := 0; i < maxRejections; i++ {
		_, err = s.Dispatch("AUTH EXTERNAL " + hexUID(9999))
		require.NoError(t, err)
	}
	_, err = s.Dispatch("AUTH EXTERNAL " + hexUID(9999))
	require.Error(t, err)
}

func TestClientServer_FullHandshake(t *testing.T) {
	server := NewServer(1000, false)
	client := NewClient(1000)

	nul, lines := client.InitialLines()
	assert.Equal(t, byte(0), nul)
	require.Len(t, lines, 2)

	var serverOut []string
	for _, line := range lines {
		out, err := server.Dispatch(line)
		require.NoError(t, err)
		serverOut = append(serverOut, out...)
	}
	require.NotEmpty(t, serverOut)

	var clientOut []string
	for _, line := range serverOut {
		out, err := client.Dispatch(line)
		require.NoError(t, err)
		clientOut = append(clientOut, out...)
	}
	require.Equal(t, []string{"BEGIN"}, clientOut)
	assert.True(t, client.Done())

	out, err := server.Dispatch("BEGIN")
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.True(t, server.Done())
}
