// Package bot wires the Discord gateway, the command bridge, forwarding and
// the signup flow into one process.
//
// The process runs two contexts side by side. The gateway context connects to
// Discord and, on every Ready event, offers a connection Handle through a
// pipe. The command context waits for the first Handle, then serves forward
// commands from the sibling process over the local command socket, running
// every platform call on the gateway runner. Any context that fails takes the
// whole process down with it.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/altereigo/queenscorsar/internal/bridge"
	"github.com/altereigo/queenscorsar/internal/config"
	"github.com/altereigo/queenscorsar/internal/discord"
	"github.com/altereigo/queenscorsar/internal/forward"
	"github.com/altereigo/queenscorsar/internal/gateway"
	"github.com/altereigo/queenscorsar/internal/pipe"
	"github.com/altereigo/queenscorsar/internal/signup"
	"github.com/altereigo/queenscorsar/internal/status"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Handle is the live connection handed from the gateway context to the
// command context.
type Handle struct {
	Client *discord.Client
	Runner *gateway.Runner
}

// App holds every long-lived component. It is built once by New, before
// either context starts, and shared by reference afterwards.
type App struct {
	cfg     *config.Config
	root    zerolog.Logger // parent of every component logger
	log     zerolog.Logger
	version string

	client *discord.Client
	runner *gateway.Runner

	// handoff is owned by the gateway context, pending by the command context.
	handoff *pipe.Endpoint[Handle, struct{}]
	pending *pipe.Endpoint[struct{}, Handle]

	relay      *bridge.Relay // nil when no sibling socket is configured
	dispatcher *forward.Dispatcher
	signups    *signup.Coordinator
	commands   *CommandRouter
	handler    atomic.Pointer[forward.Handler]

	// ctx scopes event handlers; set by Run before the gateway opens.
	ctx context.Context

	// sessionsMu orders sessions.Add against the final sessions.Wait in Run.
	sessionsMu sync.Mutex
	closing    bool
	sessions   sync.WaitGroup

	readyEvents     atomic.Int64
	gatewayReady    atomic.Bool
	handleDelivered atomic.Bool
}

// Options holds parameters for creating an App.
type Options struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Version string
	// Client overrides the Discord client built from the configured token.
	Client *discord.Client
	// Rules overrides the configured rules file.
	Rules signup.RulesSource
}

// New builds the App. A missing token or a Discord client that cannot be
// created is fatal.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("bot: config is required")
	}
	log := opts.Logger.With().Str("from", "bot").Logger()

	client := opts.Client
	if client == nil {
		token, err := cfg.Token()
		if err != nil {
			log.Error().Err(err).Str("variable", cfg.TokenEnv).Msg("could not retrieve Discord API token")
			return nil, fmt.Errorf("bot: %w", err)
		}
		log.Debug().Msg("retrieved Discord API token from the environment")

		client, err = discord.New(discord.ClientOpts{Token: token, Logger: opts.Logger})
		if err != nil {
			log.Error().Err(err).Msg("could not initialize Discord client")
			return nil, fmt.Errorf("bot: %w", err)
		}
	}

	a := &App{
		cfg:     cfg,
		root:    opts.Logger,
		log:     log,
		version: opts.Version,
		client:  client,
		runner:  gateway.NewRunner(gateway.RunnerOpts{Workers: cfg.Gateway.Workers, Logger: opts.Logger}),
		ctx:     context.Background(),
	}
	a.handoff, a.pending = pipe.NewPair[Handle, struct{}]()

	var outbox forward.Outbox
	if cfg.Bridge.SiblingSocket != "" {
		relay, out, err := bridge.NewRelay(bridge.RelayOpts{
			Sender: bridge.NewClient(cfg.Bridge.SiblingSocket),
			Logger: opts.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("bot: %w", err)
		}
		a.relay = relay
		outbox = out
	} else {
		log.Warn().Msg("no sibling socket configured; messages will not be forwarded")
	}

	dispatcher, err := forward.NewDispatcher(forward.DispatcherOpts{
		Platform:      bridge.PlatformDiscord,
		Sibling:       bridge.Platform(cfg.Bridge.SiblingPlatform),
		SourceChannel: cfg.Discord.SourceChannelID,
		BotUserID:     client.BotUserID,
		Outbox:        outbox,
		Logger:        opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("bot: %w", err)
	}
	a.dispatcher = dispatcher

	rules := opts.Rules
	if rules == nil {
		rules = signup.FileRules{Path: cfg.Signup.RulesPath}
	}
	a.signups, err = signup.NewCoordinator(signup.CoordinatorOpts{
		Platform:      client,
		Rules:         rules,
		RoleID:        cfg.Discord.MemberRoleID,
		ReplyTimeout:  cfg.Signup.ReplyTimeout(),
		CommandPrefix: cfg.Prefix,
		Logger:        opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("bot: %w", err)
	}

	a.commands, err = NewCommandRouter(CommandRouterOpts{
		Prefix:      cfg.Prefix,
		Replier:     client,
		StartSignup: a.startSignup,
		HomeGuild:   cfg.Discord.GuildID,
		Logger:      opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("bot: %w", err)
	}

	// Handlers are in place before Run opens the gateway, so the first Ready
	// always finds the handoff endpoint.
	a.registerHandlers()
	return a, nil
}

// Run starts every context and blocks until ctx is cancelled or one of them
// fails. The first failure cancels the rest and is returned.
func (a *App) Run(ctx context.Context) error {
	a.log.Info().Str("version", a.version).Str("socket", a.cfg.Bridge.Socket).Msg("starting bot")

	g, gctx := errgroup.WithContext(ctx)
	a.ctx = gctx

	g.Go(a.supervise(gctx, "gateway runner", a.runner.Run))
	g.Go(a.supervise(gctx, "gateway", a.serveGateway))
	g.Go(a.supervise(gctx, "command server", a.serveCommands))
	if a.relay != nil {
		g.Go(a.supervise(gctx, "sibling relay", a.relay.Run))
	}
	if a.cfg.Status.Port > 0 {
		g.Go(a.supervise(gctx, "status endpoint", func(ctx context.Context) error {
			return status.Start(ctx, status.StartOpts{Source: a, Port: a.cfg.Status.Port, Logger: a.root})
		}))
	}

	err := g.Wait()
	a.sessionsMu.Lock()
	a.closing = true
	a.sessionsMu.Unlock()
	a.sessions.Wait()
	if err != nil {
		return err
	}
	a.log.Info().Msg("bot stopped")
	return nil
}

// supervise adapts a context body for the errgroup. Returning before shutdown
// was requested counts as a failure even without an error.
func (a *App) supervise(ctx context.Context, name string, run func(context.Context) error) func() error {
	return func() error {
		err := run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("bot: %s exited unexpectedly", name)
		}
		a.log.Error().Err(err).Str("context", name).Msg("critical failure, shutting down")
		return err
	}
}

// serveGateway connects to Discord and holds the connection until ctx ends.
func (a *App) serveGateway(ctx context.Context) error {
	defer a.handoff.Close()
	if err := a.client.Open(); err != nil {
		return fmt.Errorf("bot: %w", err)
	}
	<-ctx.Done()
	if err := a.client.Close(); err != nil {
		a.log.Warn().Err(err).Msg("close gateway")
	}
	return nil
}

// deliverHandle offers the current connection to the command context.
func (a *App) deliverHandle() error {
	return a.handoff.Send(Handle{Client: a.client, Runner: a.runner})
}

// awaitHandle blocks until the gateway delivers a Handle. Only the first one
// is taken: the endpoint is closed afterwards so later deliveries fail with
// pipe.ErrPeerGone.
func (a *App) awaitHandle(ctx context.Context) (Handle, error) {
	defer a.pending.Close()
	a.log.Debug().Msg("waiting for gateway connection handle")
	h, err := a.pending.Recv(ctx)
	if err != nil {
		return Handle{}, fmt.Errorf("bot: await connection handle: %w", err)
	}
	a.handleDelivered.Store(true)
	a.log.Info().Msg("connection handle received by command server")
	return h, nil
}

// serveCommands runs the command server once the gateway is ready.
func (a *App) serveCommands(ctx context.Context) error {
	h, err := a.awaitHandle(ctx)
	if err != nil {
		return err
	}

	handler, err := forward.NewHandler(forward.HandlerOpts{
		Runner:  h.Runner,
		Poster:  h.Client,
		GuildID: a.cfg.Forward.GuildID,
		Channel: a.cfg.Forward.Channel,
		Logger:  a.root,
	})
	if err != nil {
		return fmt.Errorf("bot: %w", err)
	}
	a.handler.Store(handler)

	srv, err := bridge.NewServer(bridge.ServerOpts{
		Logger:  a.root,
		Addr:    a.cfg.Bridge.Socket,
		Handler: handler,
	})
	if err != nil {
		return fmt.Errorf("bot: %w", err)
	}
	return srv.Listen(ctx)
}

// startSignup runs a signup session in the background. A failed session is
// logged and never affects the rest of the process.
func (a *App) startSignup(userID, guildID string) {
	a.sessionsMu.Lock()
	if a.closing || a.ctx.Err() != nil {
		a.sessionsMu.Unlock()
		a.log.Debug().Str("user_id", userID).Msg("shutting down, signup not started")
		return
	}
	a.sessions.Add(1)
	a.sessionsMu.Unlock()
	go func() {
		defer a.sessions.Done()
		err := a.signups.Run(a.ctx, userID, guildID)
		if err == nil {
			return
		}
		log := a.log.With().Str("user_id", userID).Str("guild_id", guildID).Logger()
		switch {
		case errors.Is(err, context.Canceled):
			log.Debug().Msg("signup interrupted by shutdown")
		case errors.Is(err, signup.ErrRulesRefused), errors.Is(err, signup.ErrTimedOut), errors.Is(err, signup.ErrNotInGuild):
			log.Info().Err(err).Msg("signup not completed")
		default:
			log.Error().Err(err).Msg("signup failed")
		}
	}()
}

// Snapshot implements status.Source.
func (a *App) Snapshot() status.Snapshot {
	s := status.Snapshot{
		Version:         a.version,
		GatewayReady:    a.gatewayReady.Load(),
		HandleDelivered: a.handleDelivered.Load(),
		ReadyEvents:     a.readyEvents.Load(),
		Forwarded:       a.dispatcher.Forwarded(),
		ForwardDropped:  a.dispatcher.Dropped(),
		ActiveSignups:   a.signups.Active(),
	}
	if a.relay != nil {
		s.RelayDelivered = a.relay.Delivered()
		s.RelayDropped = a.relay.Dropped()
	}
	if h := a.handler.Load(); h != nil {
		s.CommandsHandled = h.Handled()
	}
	return s
}
