package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNoVariant        = errors.New("protocol: no variant set")
	ErrAmbiguousVariant = errors.New("protocol: multiple variants set")
)

// EncodeUpdate serializes a server update for the wire. The envelope's type
// tag is forced to match the variant that is actually set.
func EncodeUpdate(u *ServerUpdate) ([]byte, error) {
	kind, err := u.Kind()
	if err != nil {
		return nil, fmt.Errorf("protocol.EncodeUpdate: %w", err)
	}
	u.Type = kind
	b, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("protocol.EncodeUpdate: %w", err)
	}
	return b, nil
}

// DecodeUpdate parses a server update frame, rejecting envelopes with zero
// or several variants. Used by sessions forwarding frames from the private
// channel and by tests.
func DecodeUpdate(data []byte) (*ServerUpdate, error) {
	var u ServerUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("protocol.DecodeUpdate: %w", err)
	}
	kind, err := u.Kind()
	if err != nil {
		return nil, fmt.Errorf("protocol.DecodeUpdate: %w", err)
	}
	u.Type = kind
	return &u, nil
}

// EncodeCommand serializes a client command. Mostly exercised by tests and
// client tooling; the server normally only decodes commands.
func EncodeCommand(c *ClientCommand) ([]byte, error) {
	kind, err := c.Kind()
	if err != nil {
		return nil, fmt.Errorf("protocol.EncodeCommand: %w", err)
	}
	c.Type = kind
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("protocol.EncodeCommand: %w", err)
	}
	return b, nil
}

// DecodeCommand parses an inbound frame into a client command.
func DecodeCommand(data []byte) (*ClientCommand, error) {
	var c ClientCommand
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("protocol.DecodeCommand: %w", err)
	}
	kind, err := c.Kind()
	if err != nil {
		return nil, fmt.Errorf("protocol.DecodeCommand: %w", err)
	}
	c.Type = kind
	return &c, nil
}
