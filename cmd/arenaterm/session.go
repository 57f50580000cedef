package main

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/playforge/arena/internal/constants"
	"github.com/playforge/arena/internal/game"
	"github.com/playforge/arena/internal/protocol"
)

// session is one authenticated connection to the server's terminal
// endpoint. Traffic is strictly request/reply; the endpoint never pushes.
type session struct {
	sock *protocol.Socket
}

// connect dials the endpoint and performs the token handshake.
func connect(ip string, port int, token string) (*session, error) {
	sock, err := protocol.Dial(ip, port)
	if err != nil {
		return nil, err
	}
	if err := sock.Send(protocol.NewMessage(protocol.NameToken, token)); err != nil {
		sock.Close()
		return nil, err
	}

	reply, err := sock.Receive()
	if err != nil {
		sock.Close()
		return nil, fmt.Errorf("reading handshake reply: %w", err)
	}
	switch reply.Name {
	case protocol.NameInit:
		return &session{sock: sock}, nil
	case protocol.NameWrongToken:
		sock.Close()
		return nil, errors.New("wrong password")
	default:
		sock.Close()
		return nil, fmt.Errorf("unexpected handshake reply %q", reply.Name)
	}
}

// tokenFromPassword derives the admission token: the MD5 hex digest of the
// password, or the all-zero token for an empty one.
func tokenFromPassword(password string) string {
	if password == "" {
		return strings.Repeat("0", constants.TokenLength)
	}
	sum := md5.Sum([]byte(password))
	return hex.EncodeToString(sum[:])
}

// SendCommand ships one command without waiting for the report.
func (s *session) SendCommand(name string, args []string) error {
	if args == nil {
		args = []string{}
	}
	return s.sock.Send(protocol.NewMessage(protocol.NameCommand, name, args))
}

// RunCommand ships one command and waits for its report lines.
func (s *session) RunCommand(name string, args []string) ([]string, error) {
	if err := s.SendCommand(name, args); err != nil {
		return nil, err
	}

	reply, err := s.sock.Receive()
	if err != nil {
		return nil, err
	}
	if reply.Name != protocol.NameReport {
		return nil, fmt.Errorf("unexpected reply %q", reply.Name)
	}

	var lines []string
	if err := reply.Arg(0, &lines); err != nil {
		return nil, err
	}
	return lines, nil
}

// SendEvent ships one game event. Events are never acknowledged.
func (s *session) SendEvent(ev game.Event) error {
	return s.sock.Send(protocol.NewMessage(protocol.NameEvent, ev))
}

func (s *session) Close() {
	s.sock.Close()
}
