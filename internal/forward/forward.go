// Package forward moves chat messages between this bot and its sibling.
//
// Inbound: messages posted in the configured source channel become forward
// commands queued for the sibling. Outbound: forward commands received from
// the sibling are posted to the configured destination channel.
package forward

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/altereigo/queenscorsar/internal/bridge"
	"github.com/altereigo/queenscorsar/internal/gateway"
	"github.com/rs/zerolog"
)

// Message is a chat message event reduced to the fields forwarding needs.
type Message struct {
	AuthorID   string
	AuthorName string // account name
	Nickname   string // guild nickname, if any
	GuildID    string
	ChannelID  string
	Content    string
}

// DisplayName prefers the guild nickname and falls back to the account name.
func (m Message) DisplayName() string {
	if m.Nickname != "" {
		return m.Nickname
	}
	return m.AuthorName
}

// Outbox accepts commands for delivery to the sibling. *bridge.Outbox
// implements it.
type Outbox interface {
	Send(cmd bridge.Command) error
}

// Dispatcher turns chat messages into forward commands.
type Dispatcher struct {
	platform      bridge.Platform
	sibling       bridge.Platform
	sourceChannel string
	botUserID     func() string
	outbox        Outbox
	log           zerolog.Logger

	forwarded atomic.Int64
	dropped   atomic.Int64
}

// DispatcherOpts holds parameters for creating a Dispatcher.
type DispatcherOpts struct {
	Platform      bridge.Platform // this bot's platform
	Sibling       bridge.Platform // platform of the sibling process
	SourceChannel string          // only messages in this channel are forwarded
	BotUserID     func() string   // the bot's own user ID, for self filtering
	Outbox        Outbox          // nil when no sibling is configured
	Logger        zerolog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts DispatcherOpts) (*Dispatcher, error) {
	if opts.SourceChannel == "" {
		return nil, fmt.Errorf("forward: source channel is required")
	}
	if opts.BotUserID == nil {
		return nil, fmt.Errorf("forward: bot user ID func is required")
	}
	if opts.Platform == "" {
		opts.Platform = bridge.PlatformDiscord
	}
	if opts.Sibling == "" {
		opts.Sibling = bridge.PlatformTelegram
	}
	return &Dispatcher{
		platform:      opts.Platform,
		sibling:       opts.Sibling,
		sourceChannel: opts.SourceChannel,
		botUserID:     opts.BotUserID,
		outbox:        opts.Outbox,
		log:           opts.Logger.With().Str("from", "forward.dispatch").Logger(),
	}, nil
}

// Build returns the forward command for msg, or false when msg is not
// forwarded: the bot's own messages and messages outside the source channel
// are skipped.
func (d *Dispatcher) Build(msg Message) (bridge.Command, bool) {
	if msg.AuthorID == "" || msg.AuthorID == d.botUserID() {
		return bridge.Command{}, false
	}
	if msg.ChannelID != d.sourceChannel {
		return bridge.Command{}, false
	}
	from := bridge.Actor{Platform: d.platform, Name: msg.DisplayName()}
	return bridge.NewForward(d.platform, from, d.sibling, msg.Content), true
}

// HandleMessage forwards msg to the sibling when it qualifies. Delivery is at
// most once: a missing outbox or a gone relay drops the message with a log
// line. It reports whether a command was queued.
func (d *Dispatcher) HandleMessage(msg Message) bool {
	cmd, ok := d.Build(msg)
	if !ok {
		return false
	}
	log := d.log.With().Str("command_id", cmd.ID.String()).Str("author", msg.DisplayName()).Logger()

	if d.outbox == nil {
		d.dropped.Add(1)
		log.Error().Str("sibling", string(d.sibling)).Msg("no outbound sender registered for sibling, message dropped")
		return false
	}
	if err := d.outbox.Send(cmd); err != nil {
		d.dropped.Add(1)
		log.Warn().Err(err).Msg("sibling sender gone, message dropped")
		return false
	}
	d.forwarded.Add(1)
	log.Debug().Msg("message queued for sibling")
	return true
}

// Forwarded reports how many commands were queued for the sibling.
func (d *Dispatcher) Forwarded() int64 { return d.forwarded.Load() }

// Dropped reports how many qualifying messages could not be queued.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Poster posts to the destination platform.
type Poster interface {
	ResolveChannel(ctx context.Context, guildID, channel string) (string, error)
	Post(ctx context.Context, channelID, text string) error
}

// Handler executes commands received from the sibling. It implements
// bridge.Handler and is called on command-server goroutines; platform calls
// run on the gateway runner.
type Handler struct {
	runner  *gateway.Runner
	poster  Poster
	guildID string
	channel string
	log     zerolog.Logger

	mu        sync.Mutex
	channelID string // resolved destination, cached after first success
	handled   atomic.Int64
}

// HandlerOpts holds parameters for creating a Handler.
type HandlerOpts struct {
	Runner  *gateway.Runner
	Poster  Poster
	GuildID string // destination guild
	Channel string // destination channel ID or name
	Logger  zerolog.Logger
}

// NewHandler creates a Handler.
func NewHandler(opts HandlerOpts) (*Handler, error) {
	if opts.Runner == nil {
		return nil, fmt.Errorf("forward: runner is required")
	}
	if opts.Poster == nil {
		return nil, fmt.Errorf("forward: poster is required")
	}
	if opts.GuildID == "" || opts.Channel == "" {
		return nil, fmt.Errorf("forward: destination guild and channel are required")
	}
	return &Handler{
		runner:  opts.Runner,
		poster:  opts.Poster,
		guildID: opts.GuildID,
		channel: opts.Channel,
		log:     opts.Logger.With().Str("from", "forward.handler").Logger(),
	}, nil
}

// HandleCommand implements bridge.Handler.
func (h *Handler) HandleCommand(ctx context.Context, cmd bridge.Command) error {
	switch cmd.Kind {
	case bridge.KindForwardMessage:
		if cmd.Forward == nil {
			return fmt.Errorf("forward: %s command without payload", cmd.Kind)
		}
		return h.post(ctx, *cmd.Forward)
	default:
		return fmt.Errorf("forward: %w: %q", bridge.ErrUnknownKind, cmd.Kind)
	}
}

// Handled reports how many forward commands were posted.
func (h *Handler) Handled() int64 { return h.handled.Load() }

func (h *Handler) post(ctx context.Context, fm bridge.ForwardMessage) error {
	text := Format(fm)
	if strings.TrimSpace(fm.Content) == "" {
		return fmt.Errorf("forward: empty message from %s", fm.From.Name)
	}

	_, err := gateway.Do(ctx, h.runner, func(ctx context.Context) (struct{}, error) {
		channelID, err := h.destination(ctx)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, h.poster.Post(ctx, channelID, text)
	})
	if err != nil {
		return fmt.Errorf("forward: post: %w", err)
	}
	h.handled.Add(1)
	h.log.Debug().Str("author", fm.From.Name).Str("platform", string(fm.From.Platform)).Msg("forwarded message posted")
	return nil
}

func (h *Handler) destination(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channelID != "" {
		return h.channelID, nil
	}
	id, err := h.poster.ResolveChannel(ctx, h.guildID, h.channel)
	if err != nil {
		return "", err
	}
	h.channelID = id
	return id, nil
}

// Format renders a forwarded message with its author's name in bold.
func Format(fm bridge.ForwardMessage) string {
	name := fm.From.Name
	if name == "" {
		name = string(fm.From.Platform)
	}
	return fmt.Sprintf("**%s**: %s", EscapeMarkdown(name), fm.Content)
}

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`, `*`, `\*`, `_`, `\_`, "`", "\\`", `~`, `\~`, `|`, `\|`,
)

// EscapeMarkdown escapes Discord markdown control characters in s.
func EscapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
