package commands

import (
	"os"
	"strconv"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestResolveListenFD_ExplicitFlagWins(t *testing.T) {
	viper.Set("listen_fd", 42)
	defer viper.Set("listen_fd", -1)

	fd, err := resolveListenFD()
	require.NoError(t, err)
	require.Equal(t, 42, fd)
}

func TestResolveListenFD_DefaultsToFD3(t *testing.T) {
	viper.Set("listen_fd", -1)

	fd, err := resolveListenFD()
	require.NoError(t, err)
	require.Equal(t, firstListenFD, fd)
}

func TestResolveListenFD_SystemdActivation_MatchingPID(t *testing.T) {
	viper.Set("listen_fd", -1)
	t.Setenv("LISTEN_PID", strconv.Itoa(os.Getpid()))
	t.Setenv("LISTEN_FDS", "1")

	fd, err := resolveListenFD()
	require.NoError(t, err)
	require.Equal(t, firstListenFD, fd)
}

func TestResolveListenFD_SystemdActivation_MismatchedPID_Errors(t *testing.T) {
	viper.Set("listen_fd", -1)
	t.Setenv("LISTEN_PID", "1")
	t.Setenv("LISTEN_FDS", "1")

	_, err := resolveListenFD()
	require.Error(t, err)
}

func TestResolveListenFD_SystemdActivation_MissingListenFDS_Errors(t *testing.T) {
	viper.Set("listen_fd", -1)
	t.Setenv("LISTEN_PID", strconv.Itoa(os.Getpid()))
	t.Setenv("LISTEN_FDS", "0")

	_, err := resolveListenFD()
	require.Error(t, err)
}
