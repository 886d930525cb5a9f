package robot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

var (
	// discordPausedMessage is the ephemeral reply sent while the bot
	// is paused.
	// TODO set this via RuntimeConfig
	discordPausedMessage = "I'm taking a break right now - try again later!"
)

// Discord represents the Discord integration for the bot.
//
// It manages the Discord session, registers slash commands, and provides
// utility methods for Discord-related operations. Incoming interactions
// are dispatched by [Robot.handleInteraction].
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	metricInteractions          atomic.Int64
	metricGatekeeperDrops       atomic.Int64
	metricDenials               atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	r                           *Robot

	commands     []BotCommand
	commandIndex map[string]BotCommand
}

// newDiscord initializes a new Discord instance with the provided
// configuration and the bot's command table.
func newDiscord(config *DiscordConfig) (*Discord, error) {
	if config == nil {
		return nil, errors.New("nil discord config")
	}
	d := &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
		commands:                    botCommands(),
		commandIndex:                map[string]BotCommand{},
	}
	for _, c := range d.commands {
		d.commandIndex[c.Name] = c
	}
	return d, nil
}

// command returns the named command from the table, and a bool indicating
// whether it exists.
func (d *Discord) command(name string) (BotCommand, bool) {
	c, ok := d.commandIndex[name]
	return c, ok
}

// manual renders the bot's help text from the command table.
func (d *Discord) manual() string {
	entries := make([]string, 0, len(d.commands))
	for _, c := range d.commands {
		entries = append(entries, c.ManualEntry())
	}
	return truncate(strings.Join(entries, "\n\n"), discordMaxMessageLength)
}

// newSession initializes a new Discord session for the Discord struct.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.LogLevel = discordgo.LogDebug
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}
	return session, nil
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := make([]*discordgo.ApplicationCommand, 0, len(d.commands))
	for _, c := range d.commands {
		commands = append(commands, c.ApplicationCommand())
	}

	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c)
	}

	return created, nil
}

// channelMessageSend sends the given message to the given discord channel ID
func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) error {
	_, err := d.session.ChannelMessageSend(channelID, message, opts...)
	return err
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, _ *discordgo.Ready) {
		d.logger.Info(
			"Ready",
			"session_id", s.State.SessionID,
			"user_id", s.State.User.ID,
			"username", s.State.User.Username,
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
		config := d.r.RuntimeConfig()
		if config.DiscordNotificationChannelID != "" && d.config.StartupMessage != "" {
			if sendErr := d.channelMessageSend(
				config.DiscordNotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); sendErr != nil {
				d.logger.Error("unable to send startup message", tint.Err(sendErr))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("disconnected", "session_id", sessionID)
	}
}

func (d *Discord) updateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d *Discord) updateStatusComplex(data discordgo.UpdateStatusData) error {
	return d.session.UpdateStatusComplex(data)
}

// DiscordSessionHandler defines the interface for handling Discord
// sessions. This basically defines methods from `discordgo.Session` which
// are used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// SetIdentify sets the gateway identify payload to send on Open
	SetIdentify(identify discordgo.Identify)

	// ChannelMessageSend sends a message to a specified channel.
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ApplicationCommandBulkOverwrite overwrites Discord application
	// commands in bulk.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// InteractionRespond sends a response to a Discord interaction
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// UpdateStatusComplex sends the given status update, untouched
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	// Guild retrieves a guild, preferring gateway state over the REST API
	Guild(guildID string, options ...discordgo.RequestOption) (
		*discordgo.Guild,
		error,
	)

	// Channel retrieves a channel, preferring gateway state over the
	// REST API
	Channel(channelID string, options ...discordgo.RequestOption) (
		*discordgo.Channel,
		error,
	)

	// HeartbeatLatency returns the round-trip time of the last gateway
	// heartbeat
	HeartbeatLatency() time.Duration
}

// DiscordSession implements [DiscordSessionHandler] with a real
// discordgo session.
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (s DiscordSession) Open() error {
	return s.session.Open()
}

func (s DiscordSession) Close() error {
	return s.session.Close()
}

func (s DiscordSession) AddHandler(handler any) func() {
	return s.session.AddHandler(handler)
}

func (s DiscordSession) SetIdentify(identify discordgo.Identify) {
	identify.Token = s.session.Identify.Token
	s.session.Identify = identify
}

func (s DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return s.session.ChannelMessageSend(channelID, message, opts...)
}

func (s DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return s.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
}

func (s DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return s.session.InteractionRespond(interaction, resp, options...)
}

func (s DiscordSession) UpdateCustomStatus(status string) error {
	return s.session.UpdateCustomStatus(status)
}

func (s DiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	return s.session.UpdateStatusComplex(data)
}

func (s DiscordSession) Guild(
	guildID string,
	options ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	if s.session.State != nil {
		if guild, err := s.session.State.Guild(guildID); err == nil {
			return guild, nil
		}
	}
	return s.session.Guild(guildID, options...)
}

func (s DiscordSession) Channel(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	if s.session.State != nil {
		if channel, err := s.session.State.Channel(channelID); err == nil {
			return channel, nil
		}
	}
	return s.session.Channel(channelID, options...)
}

func (s DiscordSession) HeartbeatLatency() time.Duration {
	return s.session.HeartbeatLatency()
}

func interactionLogAttrs(i discordgo.InteractionCreate) []any {
	logAttrs := []any{
		"id", i.ID,
		"type", i.Type.String(),
	}
	if i.ChannelID != "" {
		logAttrs = append(logAttrs, "channel_id", i.ChannelID)
	}
	if i.GuildID != "" {
		logAttrs = append(logAttrs, "guild_id", i.GuildID)
	}
	if i.AppID != "" {
		logAttrs = append(logAttrs, "app_id", i.AppID)
	}

	return logAttrs
}

// interactionUser returns the invoking user for an interaction, whether
// it came from a guild (Member) or a DM (User).
func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

// ephemeralResponse wraps content in an ephemeral interaction response.
func ephemeralResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}

// channelResponse wraps content in a normal (visible) interaction response.
func channelResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
		},
	}
}

// handleInteraction is the dispatch path for every application command:
// Gatekeeper first, then pause state, then the access Guard, then the
// command handler. Each step that fails terminates the dispatch.
func (r *Robot) handleInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	if i == nil || i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	r.discord.metricInteractions.Add(1)

	data := i.ApplicationCommandData()
	user := interactionUser(i)

	logger := r.logger.With(
		slog.Group("interaction", interactionLogAttrs(*i)...),
		"command", data.Name,
	)
	ctx = WithLogger(ctx, logger)

	if user == nil {
		logger.WarnContext(ctx, "no user on interaction, dropping")
		return
	}

	// the Gatekeeper drops blacklisted activity with no response at all
	if r.gatekeeper.Blocked(user.ID, i.ChannelID, i.GuildID) {
		r.discord.metricGatekeeperDrops.Add(1)
		logger.InfoContext(
			ctx,
			"dropped blacklisted interaction",
			"user_id", user.ID,
		)
		return
	}

	if r.paused.Load() {
		r.respond(ctx, i, ephemeralResponse(discordPausedMessage))
		return
	}

	command, ok := r.discord.command(data.Name)
	if !ok {
		logger.WarnContext(ctx, "unknown command", "name", data.Name)
		r.respond(ctx, i, ephemeralResponse(DefaultDiscordErrorMessage))
		return
	}

	inv, err := r.buildInvocation(ctx, i, data.Name, user)
	if err != nil {
		logger.ErrorContext(ctx, "error building invocation", tint.Err(err))
		r.respond(ctx, i, ephemeralResponse(DefaultDiscordErrorMessage))
		return
	}

	checkErr := r.guard.Check(ctx, inv)
	var denied *AccessDeniedError
	switch {
	case errors.As(checkErr, &denied):
		r.discord.metricDenials.Add(1)
		if r.denialLimiter != nil && !r.denialLimiter.Allow() {
			logger.WarnContext(ctx, "denial reply rate limited", tint.Err(denied))
			return
		}
		r.respond(
			ctx,
			i,
			ephemeralResponse(strings.Join(denied.Messages(), "\n")),
		)
		return
	case checkErr != nil:
		// rule fetch failure or misconfigured rule: abort with a generic
		// error, never a silent allow
		logger.ErrorContext(ctx, "access check failed", tint.Err(checkErr))
		r.respond(ctx, i, ephemeralResponse(DefaultDiscordErrorMessage))
		return
	}

	content, err := command.Handler(ctx, r, i)
	if err != nil {
		logger.ErrorContext(ctx, "command failed", tint.Err(err))
		r.respond(ctx, i, ephemeralResponse(DefaultDiscordErrorMessage))
		return
	}
	r.respond(ctx, i, channelResponse(content))
}

// buildInvocation assembles the ephemeral caller context for a guard
// check. In DMs there's no guild, no roles and no rules; the guard's
// default-allow covers it.
func (r *Robot) buildInvocation(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	command string,
	user *discordgo.User,
) (Invocation, error) {
	inv := Invocation{
		GuildID:   i.GuildID,
		Command:   command,
		ChannelID: i.ChannelID,
		UserID:    user.ID,
	}
	if i.Member == nil || i.GuildID == "" {
		return inv, nil
	}

	inv.Roles = Snowflakes(i.Member.Roles)
	inv.Administrator = i.Member.Permissions&discordgo.PermissionAdministrator != 0

	guild, err := r.discord.session.Guild(i.GuildID)
	if err != nil {
		return inv, fmt.Errorf("error fetching guild %s: %w", i.GuildID, err)
	}
	inv.Owner = guild.OwnerID == user.ID

	// The owner/administrator bypass never needs the channel's category,
	// so the lookup failing only matters for rule matching.
	if !inv.Owner && !inv.Administrator {
		channel, channelErr := r.discord.session.Channel(i.ChannelID)
		if channelErr != nil {
			return inv, fmt.Errorf(
				"error fetching channel %s: %w",
				i.ChannelID,
				channelErr,
			)
		}
		inv.CategoryID = channel.ParentID
	}

	return inv, nil
}

// respond sends an interaction response, logging any failure.
func (r *Robot) respond(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	resp *discordgo.InteractionResponse,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = r.logger
	}
	if err := r.discord.session.InteractionRespond(i.Interaction, resp); err != nil {
		logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	}
}
