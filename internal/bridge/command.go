// Package bridge carries commands between sibling bot processes over a local
// Unix socket. Each sibling runs a Server; peers deliver commands to it with a
// Client.
package bridge

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ProtocolVersion is stamped on every Command this process builds.
const ProtocolVersion uint16 = 1

// Platform names a chat platform bridged by one sibling process.
type Platform string

const (
	PlatformDiscord  Platform = "discord"
	PlatformTelegram Platform = "telegram"
)

// Kind discriminates the payload of a Command.
type Kind string

// KindForwardMessage asks the receiver to post a chat message on its platform.
const KindForwardMessage Kind = "forward_message"

// ErrUnknownKind is returned for commands whose kind has no handler.
var ErrUnknownKind = errors.New("bridge: unknown command kind")

// Actor describes the author or destination of a forwarded message.
type Actor struct {
	Platform Platform `cbor:"platform"`
	Name     string   `cbor:"name,omitempty"`
}

// ForwardMessage is the payload of a KindForwardMessage command.
type ForwardMessage struct {
	From    Actor  `cbor:"from"`
	To      Actor  `cbor:"to"`
	Content string `cbor:"content"`
}

// Command is the unit exchanged between sibling processes.
type Command struct {
	ID      uuid.UUID       `cbor:"id"`
	Version uint16          `cbor:"version"`
	Sender  Platform        `cbor:"sender"`
	Kind    Kind            `cbor:"kind"`
	Forward *ForwardMessage `cbor:"forward,omitempty"`
}

// NewForward builds a forward-message command sent from the given platform.
// The destination name is left empty for the receiving sibling to fill in.
func NewForward(sender Platform, from Actor, to Platform, content string) Command {
	return Command{
		ID:      uuid.New(),
		Version: ProtocolVersion,
		Sender:  sender,
		Kind:    KindForwardMessage,
		Forward: &ForwardMessage{
			From:    from,
			To:      Actor{Platform: to},
			Content: content,
		},
	}
}

// Validate checks that the payload matches the declared kind.
func (c Command) Validate() error {
	switch c.Kind {
	case KindForwardMessage:
		if c.Forward == nil {
			return fmt.Errorf("bridge: %s command without payload", c.Kind)
		}
		return nil
	case "":
		return fmt.Errorf("bridge: missing command kind")
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, c.Kind)
	}
}
