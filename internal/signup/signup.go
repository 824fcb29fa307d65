// Package signup runs the direct-message dialogue that admits a new member:
// the member reads the guild rules, accepts them, names their in-game
// nickname, and receives the member role.
//
// A session is one call to Coordinator.Run. Sessions keep no state outside
// that call; two sessions for the same member are independent.
package signup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultReplyTimeout bounds every wait for a member's reply.
const DefaultReplyTimeout = 120 * time.Second

var (
	ErrTimedOut       = errors.New("signup: timed out waiting for reply")
	ErrNotInGuild     = errors.New("signup: user is no longer in the guild")
	ErrRulesRefused   = errors.New("signup: user declined the rules")
	ErrMessageTooLong = errors.New("signup: message exceeds platform size limit")
)

// Platform is the chat platform as seen by a session.
type Platform interface {
	SendDM(ctx context.Context, userID, text string) error
	IsMember(ctx context.Context, guildID, userID string) (bool, error)
	// ExpectReply registers for the user's next direct message; stop
	// releases the registration.
	ExpectReply(userID string) (replies <-chan string, stop func())
	AddRole(ctx context.Context, guildID, userID, roleID, reason string) error
	SetNickname(ctx context.Context, guildID, userID, nickname string) error
}

// State is a step of the signup dialogue.
type State int

const (
	StatePresentingRules State = iota
	StateAwaitingRulesDecision
	StateAwaitingNickname
	StateApplyingRole
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StatePresentingRules:
		return "presenting_rules"
	case StateAwaitingRulesDecision:
		return "awaiting_rules_decision"
	case StateAwaitingNickname:
		return "awaiting_nickname"
	case StateApplyingRole:
		return "applying_role"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Decision is a member's answer to the rules prompt.
type Decision int

const (
	DecisionInvalid Decision = iota
	DecisionAccept
	DecisionRefuse
)

// ParseDecision normalizes a reply to the yes/no rules prompt.
func ParseDecision(reply string) Decision {
	switch strings.ToLower(strings.TrimSpace(reply)) {
	case "да", "+", "ок", "yes", "y":
		return DecisionAccept
	case "нет", "no", "-", "n":
		return DecisionRefuse
	default:
		return DecisionInvalid
	}
}

const roleReason = "Автоматическое назначение роли"

const (
	msgRulesPrompt    = "**Принимаете ли вы свод правил гильдии? (Да/Нет)**"
	msgYesOrNo        = "Вы можете ответить только 'Да' или 'Нет'"
	msgNicknamePrompt = "**Теперь сообщи мне пожалуйста свой ник в игре, и я поставлю тебе его в группе**"
	msgCompleted      = "**Всё готово! Тебе выдана роль в группе и поставлен псевдоним. Приятной игры!**"
	msgNotInGuild     = "Увы, вы больше не состоите в группе гильдии!"
	msgRulesBroken    = "Свод правил сейчас недоступен. Пожалуйста, сообщи об этом администратору гильдии."
)

// Coordinator runs signup sessions.
type Coordinator struct {
	platform Platform
	rules    RulesSource
	roleID   string
	timeout  time.Duration
	prefix   string
	log      zerolog.Logger

	mu     sync.Mutex
	active map[string]int // "guild:user" -> running sessions
}

// CoordinatorOpts holds parameters for creating a Coordinator.
type CoordinatorOpts struct {
	Platform      Platform
	Rules         RulesSource
	RoleID        string        // role granted on completion
	ReplyTimeout  time.Duration // defaults to DefaultReplyTimeout
	CommandPrefix string        // used in the "try again" hint; defaults to "!"
	Logger        zerolog.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(opts CoordinatorOpts) (*Coordinator, error) {
	if opts.Platform == nil {
		return nil, fmt.Errorf("signup: platform is required")
	}
	if opts.Rules == nil {
		return nil, fmt.Errorf("signup: rules source is required")
	}
	if opts.RoleID == "" {
		return nil, fmt.Errorf("signup: role ID is required")
	}
	timeout := opts.ReplyTimeout
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}
	prefix := opts.CommandPrefix
	if prefix == "" {
		prefix = "!"
	}
	return &Coordinator{
		platform: opts.Platform,
		rules:    opts.Rules,
		roleID:   opts.RoleID,
		timeout:  timeout,
		prefix:   prefix,
		log:      opts.Logger.With().Str("from", "signup").Logger(),
		active:   make(map[string]int),
	}, nil
}

// Active returns the number of sessions currently running.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.active {
		n += v
	}
	return n
}

// Run drives one signup session for the user in the guild to completion or
// abort. On abort the member is told why by private message (best effort)
// and the cause is returned.
func (c *Coordinator) Run(ctx context.Context, userID, guildID string) error {
	key := guildID + ":" + userID
	c.mu.Lock()
	c.active[key]++
	overlap := c.active[key] > 1
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.active[key]--; c.active[key] <= 0 {
			delete(c.active, key)
		}
		c.mu.Unlock()
	}()

	s := &session{
		c:       c,
		userID:  userID,
		guildID: guildID,
		log:     c.log.With().Str("user_id", userID).Str("guild_id", guildID).Logger(),
	}
	if overlap {
		s.log.Warn().Msg("another signup session is already running for this member")
	}
	return s.run(ctx)
}

type session struct {
	c       *Coordinator
	userID  string
	guildID string
	state   State
	log     zerolog.Logger
}

func (s *session) enter(state State) {
	s.state = state
	s.log.Debug().Stringer("state", state).Msg("signup transition")
}

func (s *session) run(ctx context.Context) error {
	s.enter(StatePresentingRules)
	if err := s.presentRules(ctx); err != nil {
		return s.abort(ctx, err)
	}

	s.enter(StateAwaitingRulesDecision)
	if err := s.awaitDecision(ctx); err != nil {
		return s.abort(ctx, err)
	}

	s.enter(StateAwaitingNickname)
	nickname, err := s.awaitNickname(ctx)
	if err != nil {
		return s.abort(ctx, err)
	}

	s.enter(StateApplyingRole)
	if err := s.applyRole(ctx, nickname); err != nil {
		return s.abort(ctx, err)
	}

	s.enter(StateCompleted)
	if err := s.c.platform.SendDM(ctx, s.userID, msgCompleted); err != nil {
		s.log.Warn().Err(err).Msg("send completion message")
	}
	s.log.Info().Str("nickname", nickname).Msg("signup completed")
	return nil
}

// presentRules sends every rules chunk in order. All chunks are validated
// before the first one is sent.
func (s *session) presentRules(ctx context.Context) error {
	text, err := s.c.rules.Rules()
	if err != nil {
		return err
	}
	chunks, err := SplitRules(text)
	if err != nil {
		return err
	}
	for _, chunk := range chunks {
		if err := s.c.platform.SendDM(ctx, s.userID, chunk); err != nil {
			return fmt.Errorf("signup: send rules: %w", err)
		}
	}
	return nil
}

func (s *session) awaitDecision(ctx context.Context) error {
	for {
		reply, err := s.ask(ctx, msgRulesPrompt)
		if err != nil {
			return err
		}
		switch ParseDecision(reply) {
		case DecisionAccept:
			return nil
		case DecisionRefuse:
			return ErrRulesRefused
		default:
			if err := s.c.platform.SendDM(ctx, s.userID, msgYesOrNo); err != nil {
				return fmt.Errorf("signup: send hint: %w", err)
			}
		}
	}
}

func (s *session) awaitNickname(ctx context.Context) (string, error) {
	for {
		reply, err := s.ask(ctx, msgNicknamePrompt)
		if err != nil {
			return "", err
		}
		if nickname := strings.TrimSpace(reply); nickname != "" {
			return nickname, nil
		}
	}
}

// ask re-checks membership, sends the prompt, and waits for one reply.
func (s *session) ask(ctx context.Context, prompt string) (string, error) {
	member, err := s.c.platform.IsMember(ctx, s.guildID, s.userID)
	if err != nil {
		return "", fmt.Errorf("signup: membership check: %w", err)
	}
	if !member {
		return "", ErrNotInGuild
	}

	replies, stop := s.c.platform.ExpectReply(s.userID)
	defer stop()

	if err := s.c.platform.SendDM(ctx, s.userID, prompt); err != nil {
		return "", fmt.Errorf("signup: send prompt: %w", err)
	}

	timer := time.NewTimer(s.c.timeout)
	defer timer.Stop()

	select {
	case reply := <-replies:
		return reply, nil
	case <-timer.C:
		return "", ErrTimedOut
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *session) applyRole(ctx context.Context, nickname string) error {
	if err := s.c.platform.AddRole(ctx, s.guildID, s.userID, s.c.roleID, roleReason); err != nil {
		return fmt.Errorf("signup: grant role: %w", err)
	}
	if err := s.c.platform.SetNickname(ctx, s.guildID, s.userID, nickname); err != nil {
		return fmt.Errorf("signup: set nickname: %w", err)
	}
	return nil
}

// abort records the failure and tells the member about it.
func (s *session) abort(ctx context.Context, cause error) error {
	failed := s.state
	s.enter(StateAborted)
	s.log.Info().Err(cause).Stringer("at", failed).Msg("signup aborted")

	if notice := s.notice(cause); notice != "" && ctx.Err() == nil {
		if err := s.c.platform.SendDM(ctx, s.userID, notice); err != nil {
			s.log.Warn().Err(err).Msg("send abort notice")
		}
	}
	return cause
}

func (s *session) notice(cause error) string {
	retry := fmt.Sprintf("`%srules`", s.c.prefix)
	switch {
	case errors.Is(cause, ErrMessageTooLong):
		// No rules chunk has been sent; the member only learns they are unavailable.
		return msgRulesBroken
	case errors.Is(cause, ErrNotInGuild):
		return msgNotInGuild
	case errors.Is(cause, ErrRulesRefused):
		return "Ну, на нет и суда нет! Если вдруг передумаешь - введи команду " + retry + " в чате гильдии!"
	case errors.Is(cause, ErrTimedOut):
		return "Время ожидания ответа истекло. Чтобы начать заново, введи команду " + retry + " в чате гильдии!"
	default:
		return "Что-то пошло не так, и регистрацию пришлось прервать. Попробуй позже командой " + retry + " в чате гильдии."
	}
}
