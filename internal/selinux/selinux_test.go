package selinux

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bitstreamout/dbus-broker/internal/user"
)

func TestFallbackEngine_AlwaysAllows(t *testing.T) {
	e := NewFallback()
	reg := user.NewRegistry()
	owner := reg.Ref(1000, 1000, 1)
	peer := reg.Ref(2000, 2000, 2)

	assert.False(t, e.IsEnabled())
	assert.NoError(t, e.CheckOwn(owner, "org.example.Service"))
	assert.NoError(t, e.CheckSend(owner, peer))
}
