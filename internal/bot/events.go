package bot

import (
	"github.com/altereigo/queenscorsar/internal/discord"
	"github.com/altereigo/queenscorsar/internal/forward"
	"github.com/bwmarrin/discordgo"
)

func (a *App) registerHandlers() {
	a.client.AddHandler(a.onReady)
	a.client.AddHandler(a.onResumed)
	a.client.AddHandler(a.onDisconnect)
	a.client.AddHandler(a.onMessage)
	a.client.AddHandler(a.onMemberAdd)
	a.client.AddHandler(a.onMemberRemove)
}

// onReady fires once per gateway session, including after reconnects. Only
// the first Handle is consumed by the command server; later offers fail and
// are logged.
func (a *App) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	n := a.readyEvents.Add(1)
	a.gatewayReady.Store(true)

	log := a.log.With().Int64("ready_events", n).Int("guilds", len(r.Guilds)).Logger()
	if err := a.deliverHandle(); err != nil {
		log.Warn().Err(err).Msg("command server did not take the connection handle")
		return
	}
	log.Info().Msg("gateway ready, connection handle offered to command server")
}

func (a *App) onResumed(_ *discordgo.Session, _ *discordgo.Resumed) {
	a.gatewayReady.Store(true)
	a.log.Info().Msg("gateway session resumed")
}

func (a *App) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	a.gatewayReady.Store(false)
	a.log.Warn().Msg("gateway disconnected")
}

// onMessage runs chat commands and forwards everything else from the source
// channel to the sibling. Only the bot's own messages are skipped; other bots
// are forwarded like anyone else but cannot run commands.
func (a *App) onMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == a.client.BotUserID() {
		return
	}

	if !m.Author.Bot && a.commands.IsCommand(m.Content) {
		handled := a.commands.Handle(a.ctx, Invocation{
			AuthorID:   m.Author.ID,
			AuthorName: discord.DisplayName(m.Author, m.Member),
			GuildID:    m.GuildID,
			ChannelID:  m.ChannelID,
			Text:       m.Content,
		})
		if handled {
			return
		}
	}

	msg := forward.Message{
		AuthorID:   m.Author.ID,
		AuthorName: m.Author.Username,
		GuildID:    m.GuildID,
		ChannelID:  m.ChannelID,
		Content:    m.Content,
	}
	if m.Member != nil {
		msg.Nickname = m.Member.Nick
	}
	a.dispatcher.HandleMessage(msg)
}

func (a *App) onMemberAdd(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
	if m.Member == nil || m.User == nil || m.User.Bot {
		return
	}
	if m.GuildID != a.cfg.Discord.GuildID {
		a.log.Debug().Str("guild_id", m.GuildID).Msg("member joined another guild, ignored")
		return
	}
	a.log.Info().Str("user_id", m.User.ID).Str("user", m.User.Username).Msg("member joined, starting signup")
	a.startSignup(m.User.ID, m.GuildID)
}

func (a *App) onMemberRemove(_ *discordgo.Session, m *discordgo.GuildMemberRemove) {
	if m.Member == nil || m.User == nil {
		return
	}
	a.log.Info().Str("user_id", m.User.ID).Str("user", m.User.Username).Str("guild_id", m.GuildID).Msg("member left")
}
