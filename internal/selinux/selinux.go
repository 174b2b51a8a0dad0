// Package selinux is the broker's policy-engine collaborator (spec.md §6).
// This is the fallback implementation used when no SELinux policy backend
// is linked in: every check is allowed, mirroring
// src/util/selinux-fallback.c's bus_selinux_check_own/check_send, which
// both unconditionally return 0 ("allowed"). A real policy backend is
// interchangeable at this same interface.
package selinux

import "github.com/bitstreamout/dbus-broker/internal/user"

// Engine checks whether peers may own bus names or send messages to each
// other. The stub engine always allows.
type Engine interface {
	IsEnabled() bool
	CheckOwn(owner *user.Identity, name string) error
	CheckSend(sender, receiver *user.Identity) error
}

type fallbackEngine struct{}

// NewFallback returns the always-allow policy engine.
func NewFallback() Engine { return fallbackEngine{} }

func (fallbackEngine) IsEnabled() bool { return false }

func (fallbackEngine) CheckOwn(owner *user.Identity, name string) error { return nil }

func (fallbackEngine) CheckSend(sender, receiver *user.Identity) error { return nil }
