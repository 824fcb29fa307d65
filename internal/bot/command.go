package bot

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/altereigo/queenscorsar/internal/forward"
	"github.com/rs/zerolog"
)

// Replier posts a response into a channel.
type Replier interface {
	Post(ctx context.Context, channelID, text string) error
}

// Invocation is a chat message that may carry a command.
type Invocation struct {
	AuthorID   string
	AuthorName string
	GuildID    string
	ChannelID  string
	Text       string
}

// CommandRouter handles prefixed chat commands.
type CommandRouter struct {
	prefix      string
	replier     Replier
	startSignup func(userID, guildID string)
	homeGuild   string
	log         zerolog.Logger

	handled atomic.Int64
}

// CommandRouterOpts holds parameters for creating a CommandRouter.
type CommandRouterOpts struct {
	Prefix  string // defaults to "!"
	Replier Replier
	// StartSignup launches a signup session without blocking the caller.
	StartSignup func(userID, guildID string)
	// HomeGuild is used for commands sent outside a guild, e.g. by DM.
	HomeGuild string
	Logger    zerolog.Logger
}

// NewCommandRouter creates a CommandRouter.
func NewCommandRouter(opts CommandRouterOpts) (*CommandRouter, error) {
	if opts.Replier == nil {
		return nil, fmt.Errorf("bot: command router: replier is required")
	}
	if opts.StartSignup == nil {
		return nil, fmt.Errorf("bot: command router: signup starter is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "!"
	}
	return &CommandRouter{
		prefix:      prefix,
		replier:     opts.Replier,
		startSignup: opts.StartSignup,
		homeGuild:   opts.HomeGuild,
		log:         opts.Logger.With().Str("from", "bot.commands").Logger(),
	}, nil
}

// IsCommand reports whether text starts with the command prefix.
func (r *CommandRouter) IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), r.prefix)
}

// Handle executes the command in inv. It reports whether inv was a known
// command; unknown commands are ignored.
func (r *CommandRouter) Handle(ctx context.Context, inv Invocation) bool {
	name, ok := r.parse(inv.Text)
	if !ok {
		return false
	}

	switch name {
	case "ping":
		r.reply(ctx, inv.ChannelID, "Pong!")
	case "rules":
		guildID := inv.GuildID
		if guildID == "" {
			guildID = r.homeGuild
		}
		r.reply(ctx, inv.ChannelID, fmt.Sprintf("Отправляю тебе свод правил, **%s**!", forward.EscapeMarkdown(inv.AuthorName)))
		r.startSignup(inv.AuthorID, guildID)
	default:
		r.log.Debug().Str("command", name).Msg("unknown command ignored")
		return false
	}

	r.handled.Add(1)
	r.log.Info().Str("command", name).Str("user_id", inv.AuthorID).Msg("command handled")
	return true
}

// Handled reports how many known commands were executed.
func (r *CommandRouter) Handled() int64 { return r.handled.Load() }

// parse extracts the lower-cased command name following the prefix.
func (r *CommandRouter) parse(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, r.prefix) {
		return "", false
	}
	fields := strings.Fields(strings.TrimPrefix(text, r.prefix))
	if len(fields) == 0 {
		return "", false
	}
	return strings.ToLower(fields[0]), true
}

func (r *CommandRouter) reply(ctx context.Context, channelID, text string) {
	if err := r.replier.Post(ctx, channelID, text); err != nil {
		r.log.Warn().Err(err).Str("channel_id", channelID).Msg("send command response")
	}
}
