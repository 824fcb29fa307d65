package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
)

// --- Mock Discord session ---

type mockSession struct {
	mu          sync.Mutex
	opened      bool
	closeCalled bool
	openErr     error
	handlers    []interface{}
	dmChannels  map[string]string // user ID -> DM channel ID
	sent        []sentMessage
	sendErr     error
	members     map[string]bool // "guild:user"
	memberErr   error
	roles       []string // "guild:user:role"
	roleErr     error
	nicknames   map[string]string // "guild:user" -> nick
	guilds      map[string]bool
	channels    []*discordgo.Channel
}

type sentMessage struct {
	channelID string
	content   string
	mentions  *discordgo.MessageAllowedMentions
}

func newMockSession() *mockSession {
	return &mockSession{
		dmChannels: make(map[string]string),
		members:    make(map[string]bool),
		nicknames:  make(map[string]string),
		guilds:     make(map[string]bool),
	}
}

func notFound(code int) error {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: http.StatusNotFound},
		Message:  &discordgo.APIErrorMessage{Code: code, Message: "Unknown"},
	}
}

func (m *mockSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	m.opened = true
	return nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalled = true
	return nil
}

func (m *mockSession) AddHandler(handler interface{}) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
	return func() {}
}

func (m *mockSession) UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := "DM_" + recipientID
	m.dmChannels[recipientID] = id
	return &discordgo.Channel{ID: id, Type: discordgo.ChannelTypeDM}, nil
}

func (m *mockSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, sentMessage{channelID: channelID, content: content})
	return &discordgo.Message{ID: "msg-1", ChannelID: channelID, Content: content}, nil
}

func (m *mockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, sentMessage{channelID: channelID, content: data.Content, mentions: data.AllowedMentions})
	return &discordgo.Message{ID: "msg-1", ChannelID: channelID, Content: data.Content}, nil
}

func (m *mockSession) GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.memberErr != nil {
		return nil, m.memberErr
	}
	if !m.members[guildID+":"+userID] {
		return nil, notFound(discordgo.ErrCodeUnknownMember)
	}
	return &discordgo.Member{GuildID: guildID, User: &discordgo.User{ID: userID}}, nil
}

func (m *mockSession) GuildMemberRoleAdd(guildID, userID, roleID string, options ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roleErr != nil {
		return m.roleErr
	}
	m.roles = append(m.roles, guildID+":"+userID+":"+roleID)
	return nil
}

func (m *mockSession) GuildMemberNickname(guildID, userID, nickname string, options ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nicknames[guildID+":"+userID] = nickname
	return nil
}

func (m *mockSession) Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.guilds[guildID] {
		return nil, notFound(discordgo.ErrCodeUnknownGuild)
	}
	return &discordgo.Guild{ID: guildID}, nil
}

func (m *mockSession) GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels, nil
}

// fire invokes every registered handler that accepts the event type.
func (m *mockSession) fire(event interface{}) {
	m.mu.Lock()
	handlers := append([]interface{}(nil), m.handlers...)
	m.mu.Unlock()
	for _, h := range handlers {
		switch e := event.(type) {
		case *discordgo.Ready:
			if fn, ok := h.(func(*discordgo.Session, *discordgo.Ready)); ok {
				fn(nil, e)
			}
		case *discordgo.MessageCreate:
			if fn, ok := h.(func(*discordgo.Session, *discordgo.MessageCreate)); ok {
				fn(nil, e)
			}
		}
	}
}

func newTestClient(t *testing.T) (*Client, *mockSession) {
	t.Helper()
	sess := newMockSession()
	c, err := New(ClientOpts{Session: sess})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c, sess
}

func directMessage(userID, text string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m1",
		ChannelID: "DM_" + userID,
		Content:   text,
		Author:    &discordgo.User{ID: userID, Username: "user-" + userID},
	}}
}

// --- Tests ---

func TestNew_RequiresBotToken(t *testing.T) {
	_, err := New(ClientOpts{})
	if err == nil {
		t.Fatal("expected error for missing bot token")
	}
	if !strings.Contains(err.Error(), "bot token") {
		t.Errorf("error = %q, want to mention bot token", err.Error())
	}
}

func TestNew_WithBotToken(t *testing.T) {
	c, err := New(ClientOpts{Token: "test-token"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c == nil {
		t.Fatal("expected non-nil client")
	}
}

func TestOpen_Error(t *testing.T) {
	c, sess := newTestClient(t)
	sess.openErr = fmt.Errorf("gateway error")
	err := c.Open()
	if err == nil || !strings.Contains(err.Error(), "open gateway") {
		t.Fatalf("err = %v, want open gateway error", err)
	}
}

func TestReady_CapturesBotUserID(t *testing.T) {
	c, sess := newTestClient(t)
	sess.fire(&discordgo.Ready{User: &discordgo.User{ID: "BOT", Username: "corsar"}})
	if got := c.BotUserID(); got != "BOT" {
		t.Errorf("BotUserID = %q, want BOT", got)
	}
}

func TestSendDM(t *testing.T) {
	c, sess := newTestClient(t)
	if err := c.SendDM(context.Background(), "U1", "hello"); err != nil {
		t.Fatalf("send dm: %v", err)
	}
	if len(sess.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(sess.sent))
	}
	if sess.sent[0].channelID != "DM_U1" || sess.sent[0].content != "hello" {
		t.Errorf("sent = %+v", sess.sent[0])
	}
}

func TestSendDM_Error(t *testing.T) {
	c, sess := newTestClient(t)
	sess.sendErr = errors.New("forbidden")
	err := c.SendDM(context.Background(), "U1", "hello")
	if err == nil || !strings.Contains(err.Error(), "send dm") {
		t.Fatalf("err = %v, want send dm error", err)
	}
}

func TestPost_SuppressesMentions(t *testing.T) {
	c, sess := newTestClient(t)
	if err := c.Post(context.Background(), "C1", "**Bob**: @everyone <@&42> aboard"); err != nil {
		t.Fatalf("post: %v", err)
	}
	if len(sess.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(sess.sent))
	}
	got := sess.sent[0]
	if got.channelID != "C1" || got.content != "**Bob**: @everyone <@&42> aboard" {
		t.Errorf("sent = %+v", got)
	}
	if got.mentions == nil {
		t.Fatal("allowed mentions not set, @everyone would ping the guild")
	}
	if got.mentions.Parse == nil || len(got.mentions.Parse) != 0 || len(got.mentions.Roles) != 0 || len(got.mentions.Users) != 0 {
		t.Errorf("allowed mentions = %+v, want none", got.mentions)
	}
}

func TestPost_Error(t *testing.T) {
	c, sess := newTestClient(t)
	sess.sendErr = errors.New("missing access")
	err := c.Post(context.Background(), "C1", "hi")
	if err == nil || !strings.Contains(err.Error(), "post to C1") {
		t.Fatalf("err = %v, want post error", err)
	}
}

func TestIsMember(t *testing.T) {
	c, sess := newTestClient(t)
	sess.members["G1:U1"] = true

	ok, err := c.IsMember(context.Background(), "G1", "U1")
	if err != nil || !ok {
		t.Errorf("IsMember(U1) = %v, %v; want true", ok, err)
	}

	ok, err = c.IsMember(context.Background(), "G1", "U2")
	if err != nil || ok {
		t.Errorf("IsMember(U2) = %v, %v; want false, nil", ok, err)
	}
}

func TestIsMember_OtherErrorPropagates(t *testing.T) {
	c, sess := newTestClient(t)
	sess.memberErr = errors.New("gateway timeout")
	_, err := c.IsMember(context.Background(), "G1", "U1")
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestAddRoleAndNickname(t *testing.T) {
	c, sess := newTestClient(t)
	ctx := context.Background()
	if err := c.AddRole(ctx, "G1", "U1", "R1", "signup"); err != nil {
		t.Fatalf("add role: %v", err)
	}
	if err := c.SetNickname(ctx, "G1", "U1", "Captain"); err != nil {
		t.Fatalf("set nickname: %v", err)
	}
	if len(sess.roles) != 1 || sess.roles[0] != "G1:U1:R1" {
		t.Errorf("roles = %v", sess.roles)
	}
	if sess.nicknames["G1:U1"] != "Captain" {
		t.Errorf("nickname = %q, want Captain", sess.nicknames["G1:U1"])
	}
}

func TestAddRole_Error(t *testing.T) {
	c, sess := newTestClient(t)
	sess.roleErr = errors.New("missing permissions")
	if err := c.AddRole(context.Background(), "G1", "U1", "R1", ""); err == nil {
		t.Fatal("expected error")
	}
}

func TestResolveChannel(t *testing.T) {
	c, sess := newTestClient(t)
	sess.guilds["G1"] = true
	sess.channels = []*discordgo.Channel{
		{ID: "C1", Name: "general"},
		{ID: "C2", Name: "bridge"},
	}

	tests := []struct {
		in   string
		want string
	}{
		{"C2", "C2"},
		{"bridge", "C2"},
		{"#general", "C1"},
	}
	for _, tt := range tests {
		got, err := c.ResolveChannel(context.Background(), "G1", tt.in)
		if err != nil {
			t.Errorf("ResolveChannel(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ResolveChannel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolveChannel_NotFound(t *testing.T) {
	c, sess := newTestClient(t)
	sess.guilds["G1"] = true

	_, err := c.ResolveChannel(context.Background(), "G1", "missing")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want *NotFoundError", err)
	}
	if !strings.Contains(nf.Resource, "missing") {
		t.Errorf("resource = %q", nf.Resource)
	}

	_, err = c.ResolveChannel(context.Background(), "G404", "general")
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want *NotFoundError for guild", err)
	}
}

func TestAwaitReply_ReceivesDirectMessage(t *testing.T) {
	c, sess := newTestClient(t)

	got := make(chan string, 1)
	go func() {
		text, err := c.AwaitReply(context.Background(), "U1")
		if err == nil {
			got <- text
		}
	}()

	waitForWaiter(t, c, "U1")
	sess.fire(directMessage("U1", "Да"))

	select {
	case text := <-got:
		if text != "Да" {
			t.Errorf("reply = %q, want Да", text)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for reply")
	}
}

func TestAwaitReply_IgnoresGuildAndOtherUsers(t *testing.T) {
	c, sess := newTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.AwaitReply(ctx, "U1")
		errCh <- err
	}()
	waitForWaiter(t, c, "U1")

	guildMsg := directMessage("U1", "in guild")
	guildMsg.GuildID = "G1"
	sess.fire(guildMsg)
	sess.fire(directMessage("U2", "someone else"))

	if err := <-errCh; !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.waiters) != 0 {
		t.Errorf("waiters not cleaned up: %v", c.waiters)
	}
}

func TestDisplayName(t *testing.T) {
	user := &discordgo.User{Username: "alice"}
	if got := DisplayName(user, &discordgo.Member{Nick: "Captain"}); got != "Captain" {
		t.Errorf("with nick = %q, want Captain", got)
	}
	if got := DisplayName(user, &discordgo.Member{}); got != "alice" {
		t.Errorf("empty nick = %q, want alice", got)
	}
	if got := DisplayName(user, nil); got != "alice" {
		t.Errorf("no member = %q, want alice", got)
	}
}

func waitForWaiter(t *testing.T, c *Client, userID string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		n := len(c.waiters[userID])
		c.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no waiter registered for %s", userID)
}
