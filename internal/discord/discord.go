// Package discord wraps the Discord Gateway session used by the bot: event
// handler registration, direct-message round trips, and the handful of REST
// calls the bridge and signup flows need.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
)

// Intents requested on identify. Member events and message content are
// privileged and must be enabled for the application.
const Intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsGuildMembers |
	discordgo.IntentsDirectMessages |
	discordgo.IntentsMessageContent

// NotFoundError reports a configured resource that does not exist on the
// platform.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("discord: data not found: %s", e.Resource)
}

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	GuildMemberRoleAdd(guildID, userID, roleID string, options ...discordgo.RequestOption) error
	GuildMemberNickname(guildID, userID, nickname string, options ...discordgo.RequestOption) error
	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
}

var _ session = (*discordgo.Session)(nil)

// Client is the bot's connection to Discord. It is safe for concurrent use;
// every REST call takes the caller's context.
type Client struct {
	sess session
	log  zerolog.Logger

	mu        sync.Mutex
	botUserID string
	waiters   map[string][]chan string // user ID -> pending DM reply waiters
}

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	Token  string // bot token, without the "Bot " prefix
	Logger zerolog.Logger
	// For testing: inject a mock session instead of the real Discord API.
	Session session
}

// New creates a Client. The gateway is not opened until Open is called.
func New(opts ClientOpts) (*Client, error) {
	sess := opts.Session
	if sess == nil {
		if opts.Token == "" {
			return nil, fmt.Errorf("discord: bot token is required")
		}
		dg, err := discordgo.New("Bot " + opts.Token)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = Intents
		sess = dg
	}

	c := &Client{
		sess:    sess,
		log:     opts.Logger.With().Str("from", "discord").Logger(),
		waiters: make(map[string][]chan string),
	}

	sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		c.SetBotUserID(r.User.ID)
		c.log.Info().Str("user", r.User.Username).Str("user_id", r.User.ID).Msg("connected to gateway")
	})
	sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		c.routeReply(m)
	})
	return c, nil
}

// Open connects to the gateway. discordgo reconnects on its own afterwards
// and fires Ready again for each new session.
func (c *Client) Open() error {
	if err := c.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	return nil
}

// Close disconnects from the gateway.
func (c *Client) Close() error {
	return c.sess.Close()
}

// AddHandler registers a discordgo event handler and returns its remover.
func (c *Client) AddHandler(handler interface{}) func() {
	return c.sess.AddHandler(handler)
}

// BotUserID returns the bot's own user ID, known after the first Ready event.
func (c *Client) BotUserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.botUserID
}

// SetBotUserID sets the bot user ID (used for self-message filtering).
func (c *Client) SetBotUserID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.botUserID = id
}

// SendDM sends text to the user's private channel.
func (c *Client) SendDM(ctx context.Context, userID, text string) error {
	ch, err := c.sess.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord: open dm with %s: %w", userID, err)
	}
	if _, err := c.sess.ChannelMessageSend(ch.ID, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: send dm to %s: %w", userID, err)
	}
	return nil
}

// Post sends text to a guild channel. Mentions in text are rendered but never
// ping anyone, so relayed content cannot reach @everyone or a role.
func (c *Client) Post(ctx context.Context, channelID, text string) error {
	msg := &discordgo.MessageSend{
		Content:         text,
		AllowedMentions: &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}},
	}
	if _, err := c.sess.ChannelMessageSendComplex(channelID, msg, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: post to %s: %w", channelID, err)
	}
	return nil
}

// IsMember reports whether the user currently belongs to the guild.
func (c *Client) IsMember(ctx context.Context, guildID, userID string) (bool, error) {
	_, err := c.sess.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err == nil {
		return true, nil
	}
	if isUnknownMember(err) {
		return false, nil
	}
	return false, fmt.Errorf("discord: look up member %s: %w", userID, err)
}

// AddRole grants roleID to the member. The reason is recorded in the guild's
// audit log.
func (c *Client) AddRole(ctx context.Context, guildID, userID, roleID, reason string) error {
	opts := []discordgo.RequestOption{discordgo.WithContext(ctx)}
	if reason != "" {
		opts = append(opts, discordgo.WithAuditLogReason(reason))
	}
	if err := c.sess.GuildMemberRoleAdd(guildID, userID, roleID, opts...); err != nil {
		return fmt.Errorf("discord: add role %s to %s: %w", roleID, userID, err)
	}
	return nil
}

// SetNickname changes the member's guild nickname.
func (c *Client) SetNickname(ctx context.Context, guildID, userID, nickname string) error {
	if err := c.sess.GuildMemberNickname(guildID, userID, nickname, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: set nickname of %s: %w", userID, err)
	}
	return nil
}

// ResolveChannel returns the ID of a guild channel given either its ID or its
// name. An unknown guild or channel yields a *NotFoundError.
func (c *Client) ResolveChannel(ctx context.Context, guildID, channel string) (string, error) {
	if _, err := c.sess.Guild(guildID, discordgo.WithContext(ctx)); err != nil {
		if isNotFound(err) {
			return "", &NotFoundError{Resource: "guild " + guildID}
		}
		return "", fmt.Errorf("discord: get guild %s: %w", guildID, err)
	}

	channels, err := c.sess.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord: list channels of %s: %w", guildID, err)
	}
	name := strings.TrimPrefix(channel, "#")
	for _, ch := range channels {
		if ch.ID == channel || ch.Name == name {
			return ch.ID, nil
		}
	}
	return "", &NotFoundError{Resource: "channel " + channel}
}

// ExpectReply registers interest in the user's next direct message. Register
// before prompting so a fast reply is not missed. The returned stop func must
// be called to release the registration.
func (c *Client) ExpectReply(userID string) (<-chan string, func()) {
	ch := make(chan string, 1)
	c.mu.Lock()
	c.waiters[userID] = append(c.waiters[userID], ch)
	c.mu.Unlock()
	return ch, func() { c.removeWaiter(userID, ch) }
}

// AwaitReply blocks until the user sends the bot a direct message, or ctx is
// done. Every waiter registered for the user receives the reply.
func (c *Client) AwaitReply(ctx context.Context, userID string) (string, error) {
	ch, stop := c.ExpectReply(userID)
	defer stop()

	select {
	case text := <-ch:
		return text, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Client) removeWaiter(userID string, ch chan string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.waiters[userID]
	for i, w := range list {
		if w == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(c.waiters, userID)
	} else {
		c.waiters[userID] = list
	}
}

// routeReply hands a direct message to the user's pending waiters.
func (c *Client) routeReply(m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID != "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.waiters[m.Author.ID] {
		select {
		case w <- m.Content:
		default:
		}
	}
}

// DisplayName prefers the member's guild nickname and falls back to the
// account name.
func DisplayName(user *discordgo.User, member *discordgo.Member) string {
	if member != nil && member.Nick != "" {
		return member.Nick
	}
	if user != nil {
		return user.Username
	}
	return ""
}

func isUnknownMember(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	if restErr.Message != nil && restErr.Message.Code == discordgo.ErrCodeUnknownMember {
		return true
	}
	return restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound
}

func isNotFound(err error) bool {
	var restErr *discordgo.RESTError
	return errors.As(err, &restErr) && restErr.Response != nil &&
		restErr.Response.StatusCode == http.StatusNotFound
}
