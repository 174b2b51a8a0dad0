// Package sasl implements the line-oriented SASL EXTERNAL/ANONYMOUS
// authentication handshake spoken before the binary D-Bus framing begins
// (spec.md §4.4, §6). Both the server and client sub-state machines are
// driven one CRLF-terminated line at a time by the owning Connection.
package sasl

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

type serverState int

const (
	serverWaitingForAuth serverState = iota
	serverWaitingForBegin
	serverDone
)

// String names the handshake's server-side phase, for logging.
func (s serverState) String() string {
	switch s {
	case serverWaitingForAuth:
		return "waiting-for-auth"
	case serverWaitingForBegin:
		return "waiting-for-begin"
	case serverDone:
		return "done"
	default:
		return "unknown"
	}
}

// maxRejections bounds how many failed AUTH attempts a server tolerates
// before the spec's "implementation limit" closes the connection
// (spec.md §8, scenario 6).
const maxRejections = 8

// Server drives the bus-side half of the handshake: verifying the peer's
// claimed identity against its kernel-supplied credentials.
type Server struct {
	state         serverState
	peerUID       uint32
	allowAnon     bool
	rejectedCount int
	authorizedUID uint32
}

// NewServer begins a server-side handshake for a peer whose credentials
// (from SO_PEERCRED) report peerUID. allowAnonymous permits the ANONYMOUS
// mechanism in addition to EXTERNAL.
func NewServer(peerUID uint32, allowAnonymous bool) *Server {
	return &Server{peerUID: peerUID, allowAnon: allowAnonymous}
}

// Done reports whether the handshake has completed and binary framing
// should begin.
func (s *Server) Done() bool { return s.state == serverDone }

// AuthorizedUID returns the UID the peer authenticated as, valid only once
// Done reports true.
func (s *Server) AuthorizedUID() uint32 { return s.authorizedUID }

// Dispatch feeds one inbound line (without its CRLF) and returns the lines
// to send back, if any. A non-nil error is a protocol violation: the
// connection must be reset (spec.md §4.4).
func (s *Server) Dispatch(line string) ([]string, error) {
	switch s.state {
	case serverWaitingForAuth:
		return s.dispatchAuth(line)
	case serverWaitingForBegin:
		return s.dispatchBegin(line)
	default:
		return nil, fmt.Errorf("sasl: server dispatch called after handshake completed")
	}
}

func (s *Server) dispatchAuth(line string) ([]string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != "AUTH" {
		return s.reject("")
	}

	mechanism := ""
	if len(fields) >= 2 {
		mechanism = fields[1]
	}

	switch mechanism {
	case "EXTERNAL":
		if len(fields) < 3 {
			// A bare "AUTH EXTERNAL" with no argument asks the server to
			// use the identity it already has from the socket credentials.
			s.authorizedUID = s.peerUID
			return s.accept()
		}
		claimedUID, err := decodeUID(fields[2])
		if err != nil || claimedUID != s.peerUID {
			return s.reject("")
		}
		s.authorizedUID = claimedUID
		return s.accept()

	case "ANONYMOUS":
		if !s.allowAnon {
			return s.reject("")
		}
		s.authorizedUID = s.peerUID
		return s.accept()

	default:
		return s.reject("EXTERNAL ANONYMOUS")
	}
}

func (s *Server) accept() ([]string, error) {
	s.state = serverWaitingForBegin
	return []string{fmt.Sprintf("OK %s", hex.EncodeToString(uidGUID(s.authorizedUID)))}, nil
}

func (s *Server) reject(supportedMechanisms string) ([]string, error) {
	s.rejectedCount++
	if s.rejectedCount > maxRejections {
		return nil, fmt.Errorf("sasl: too many failed authentication attempts")
	}
	msg := "REJECTED"
	if supportedMechanisms != "" {
		msg += " " + supportedMechanisms
	} else {
		msg += " EXTERNAL"
	}
	return []string{msg}, nil
}

func (s *Server) dispatchBegin(line string) ([]string, error) {
	switch {
	case line == "BEGIN":
		s.state = serverDone
		return nil, nil
	case strings.HasPrefix(line, "NEGOTIATE_UNIX_FD"):
		return []string{"AGREE_UNIX_FD"}, nil
	case strings.HasPrefix(line, "AUTH"):
		return s.dispatchAuth(line)
	case line == "CANCEL":
		s.state = serverWaitingForAuth
		return s.reject("")
	default:
		return nil, fmt.Errorf("sasl: unexpected line %q awaiting BEGIN", line)
	}
}

// decodeUID parses the hex-encoded decimal UID string EXTERNAL auth
// carries as its argument.
func decodeUID(hexArg string) (uint32, error) {
	raw, err := hex.DecodeString(hexArg)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(string(raw), 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// uidGUID renders a UID as the opaque hex "GUID" the OK response carries;
// real D-Bus servers use a 128-bit server ID here, but any stable hex
// string the client doesn't need to interpret satisfies the wire protocol.
func uidGUID(uid uint32) []byte {
	return []byte(fmt.Sprintf("%032x", uid))
}

type clientState int

const (
	clientWaitingForOK clientState = iota
	clientWaitingForAgreeFD
	clientDone
)

// Client drives the peer-side half of the handshake for connections this
// broker core itself initiates (e.g. a future bus-to-bus bridge); the
// common case is a server-role Connection, but the state machine is
// symmetric per spec.md §4.4.
type Client struct {
	state clientState
	uid   uint32
}

// NewClient begins a client-side handshake authenticating as uid.
func NewClient(uid uint32) *Client {
	return &Client{uid: uid}
}

// Done reports whether the handshake has completed.
func (c *Client) Done() bool { return c.state == clientDone }

// InitialLines returns the leading NUL byte and the lines to send before
// any server response has been read, per spec.md §4.4's open() contract.
func (c *Client) InitialLines() (nul byte, lines []string) {
	hexUID := hex.EncodeToString([]byte(strconv.FormatUint(uint64(c.uid), 10)))
	return 0, []string{
		fmt.Sprintf("AUTH EXTERNAL %s", hexUID),
		"NEGOTIATE_UNIX_FD",
	}
}

// Dispatch feeds one inbound line from the server and returns any lines to
// send back.
func (c *Client) Dispatch(line string) ([]string, error) {
	switch c.state {
	case clientWaitingForOK:
		if !strings.HasPrefix(line, "OK ") {
			return nil, fmt.Errorf("sasl: AUTH EXTERNAL rejected: %q", line)
		}
		c.state = clientWaitingForAgreeFD
		return nil, nil
	case clientWaitingForAgreeFD:
		if line != "AGREE_UNIX_FD" {
			return nil, fmt.Errorf("sasl: NEGOTIATE_UNIX_FD rejected: %q", line)
		}
		c.state = clientDone
		return []string{"BEGIN"}, nil
	default:
		return nil, fmt.Errorf("sasl: client dispatch called after handshake completed")
	}
}
