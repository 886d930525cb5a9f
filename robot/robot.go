// Package robot implements a Discord bot whose slash commands are
// gated by per-guild access rules, managed from an admin dashboard API.
//
// Incoming interactions pass through two layers before any command
// runs: the [Gatekeeper], which silently drops activity from
// blacklisted users, channels and guilds, and the [Guard], which
// evaluates the guild's [AccessRule] set against the caller's roles.
package robot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/tonywu7/dougbot2-sub000/robot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout
)

// Robot is the main application struct. It owns the database handles,
// the Discord session, the admin API server, the Gatekeeper blacklist
// cache, and the access rule Guard.
type Robot struct {
	dbNotifier DBNotifier
	config     *Config

	// Pointer to a read-only GORM connection. This is from an
	// overabundance of caution for using SQLite.
	db *gorm.DB

	// gorm.DB wrapper for write/update/delete operations.
	// The only difference between this and [Robot.db] is that,
	// when using sqlite, a mutex is used. Otherwise, just use
	// [Robot.db].
	writeDB DBI

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// Handles discord integration, sessions
	discord *Discord

	// Provides the back-end API for the admin dashboard
	api *API

	// Drops interactions from blacklisted users/channels/guilds
	gatekeeper *Gatekeeper

	// Evaluates access rules for incoming commands
	guard *Guard

	// Rate limiter for the ephemeral replies sent on denied commands
	denialLimiter *rate.Limiter

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it when Run finishes starting up:
	// database initialized, runtime config loaded, API listening,
	// discord session open and commands registered.
	signalReady chan struct{}

	// A signal is sent on this channel when the [Robot.shutdown]
	// function finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// If true, the bot acknowledges commands with a notice instead of
	// executing them.
	paused atomic.Bool

	// The time Run was called
	startedAt time.Time

	// Indicates whether admin credentials have been set.
	// If they haven't, Run will hold just after the init
	// process is done and the API has started, prior to starting
	// any other processes - this ensures the bot doesn't start
	// responding to commands before it can be configured/stopped
	// via the dashboard.
	pendingSetup atomic.Bool

	// Runtime-configurable settings - things you may want to
	// change without restarting the bot.
	runtimeConfig *RuntimeConfig

	// protecc the runtime config
	cfgMu sync.RWMutex

	triggerRuntimeConfigRefreshCh chan bool
	triggerBlacklistRefreshCh     chan bool
}

// RuntimeConfig returns a copy of the current runtime configuration.
func (r *Robot) RuntimeConfig() RuntimeConfig {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return *r.runtimeConfig
}

// New creates and initializes a new Robot instance: logging, the
// discord integration, and the API server. The database isn't touched
// until [Robot.Run].
func New(config *Config) (*Robot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	r := &Robot{
		config:                        config,
		signalReady:                   make(chan struct{}, 1),
		eventShutdown:                 make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
		triggerBlacklistRefreshCh:     make(chan bool, 1),
	}

	r.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     r.config.LogLevel,
			AddSource: true,
		},
	)

	r.logger = slog.New(r.logHandler)
	slog.SetDefault(r.logger)

	r.config.Discord.httpClient = r.config.HTTPClient

	disc, err := newDiscord(r.config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     r.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     r.config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")

	r.discord = disc
	disc.r = r

	api, err := newAPI(r, config.API)
	errs = append(errs, err)
	r.api = api

	return r, errors.Join(errs...)
}

func (r *Robot) ValidateConfig() error {
	return structValidator.Struct(r.config)
}

// RegisterSlashCommands registers the bot's slash commands with discord.
func (r *Robot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return r.discord.registerCommands(options...)
}

// Run starts the main loop of the bot: database init, runtime config
// load, initial setup hold, discord session, cache refreshers and
// notifier listeners. It blocks until the context is canceled or a stop
// signal arrives.
func (r *Robot) Run(ctx context.Context) error {
	// prevents concurrent runs
	r.runMu.Lock()
	defer r.runMu.Unlock()

	r.signalStop = make(chan struct{}, 1)

	r.startedAt = time.Now()
	logger := r.logger

	if err := r.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	notifier, err := newDBNotifier(r)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	r.dbNotifier = notifier

	ctx = WithLogger(ctx, logger)

	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", r.config))
	if r.signalReady == nil {
		r.signalReady = make(chan struct{}, 1)
	}

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-r.signalStop:
			r.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			r.logger.Warn("context canceled, sending stop signal")
			r.signalStop <- struct{}{}
			return
		}
	}()

	go func() {
		httpErr := r.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			r.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, r.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- r.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			if r.api != nil && r.api.listener != nil {
				go func() {
					if e := r.api.listener.Close(); e != nil {
						logger.ErrorContext(ctx, "error closing listener", tint.Err(e))
					}
				}()
			}
			return err
		}
		logger.WarnContext(ctx, "init complete")
	}

	if setupErr := r.waitOnSetup(ctx, logger, runtimeWG); setupErr != nil {
		return setupErr
	}

	runtimeCfg := r.RuntimeConfig()

	if discErr := r.initDiscordSession(ctx, runtimeWG); discErr != nil {
		r.logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	if err := r.discordInit(ctx, runtimeCfg, logger); err != nil {
		return err
	}

	r.startRuntimeConfigRefresher(ctx, runtimeWG, logger)
	r.startBlacklistRefresher(ctx, runtimeWG, logger)

	r.signalReady <- struct{}{}
	r.logger.InfoContext(ctx, "sent ready signal")

	listenGroup, listenCtx := errgroup.WithContext(ctx)
	for _, channel := range []string{
		r.dbNotifier.RuntimeConfigChannelName(),
		r.dbNotifier.BlacklistChannelName(),
		r.dbNotifier.StopChannelName(),
	} {
		channel := channel
		listenGroup.Go(
			func() error {
				return r.dbNotifier.Listen(listenCtx, channel)
			},
		)
	}
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := listenGroup.Wait(); e != nil {
			r.logger.ErrorContext(ctx, "error listening to db notifier", tint.Err(e))
		}
	}()

	// block until something cancels the main runtime context - generally
	// from an interrupt, or the `/api/quit` endpoint
	stopCh := make(chan struct{}, 1)
	go func() {
		<-ctx.Done()
		stopCh <- struct{}{}
	}()
	<-stopCh

	return r.shutdown(ctx, runtimeWG)
}

func (r *Robot) waitOnSetup(
	ctx context.Context,
	logger *slog.Logger,
	runtimeWG *sync.WaitGroup,
) error {
	if !r.pendingSetup.Load() {
		return nil
	}

	logger.WarnContext(
		ctx,
		fmt.Sprintf(
			"pending initial setup at: %s%s",
			r.api.listener.Addr().String(),
			apiPathSetup,
		),
	)
	pendingStateCh := make(chan struct{}, 1)
	go func() {
		for ctx.Err() == nil {
			var runtimeState RuntimeConfig
			logger.InfoContext(ctx, "checking if runtime config exists yet")
			getRuntimeStateErr := r.db.Last(&runtimeState).Error
			if getRuntimeStateErr != nil {
				logger.ErrorContext(
					ctx,
					"error getting runtime state",
					tint.Err(getRuntimeStateErr),
				)
			}
			if runtimeState.AdminUsername != "" && runtimeState.AdminPassword != "" {
				pendingStateCh <- struct{}{}
				return
			}
			time.Sleep(5 * time.Second)
		}
	}()

	select {
	case <-ctx.Done():
		logger.WarnContext(ctx, "context cancelled waiting on setup, exiting")
		return r.shutdown(ctx, runtimeWG)
	case <-pendingStateCh:
		r.pendingSetup.Store(false)
	}

	return nil
}

// discordInit opens the discord websocket connection and registers
// commands, if the gateway is enabled
func (r *Robot) discordInit(
	ctx context.Context,
	runtimeCfg RuntimeConfig,
	logger *slog.Logger,
) error {
	if !runtimeCfg.DiscordGatewayEnabled {
		logger.WarnContext(ctx, "discord gateway disabled")
		return nil
	}
	r.logger.InfoContext(ctx, "connecting to discord")
	if err := r.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	if _, err := r.discord.registerCommands(); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}
	if runtimeCfg.DiscordCustomStatus != "" && !r.paused.Load() {
		go func() {
			if statusErr := r.discord.session.UpdateCustomStatus(
				runtimeCfg.DiscordCustomStatus,
			); statusErr != nil {
				logger.Error("error updating discord status", tint.Err(statusErr))
			}
		}()
	}
	return nil
}

// initRun initializes the database, loads (or creates) the runtime
// config, and primes the Gatekeeper blacklist cache.
func (r *Robot) initRun(startCtx context.Context) error {
	r.logger.Debug("initializing DB...")
	if err := r.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	r.logger.Debug("finished initializing DB")

	// load or create the DB state config - this tells the bot whether
	// it should start in a 'paused' state (to avoid a potential scenario
	// where we want to keep it paused, but it crashes and restarts in
	// an active state)
	var botState RuntimeConfig

	getStateErr := r.db.Last(&botState).Error
	if getStateErr != nil {
		if errors.Is(getStateErr, gorm.ErrRecordNotFound) {
			r.pendingSetup.Store(true)
			botState = DefaultRuntimeConfig()

			if _, err := r.writeDB.Create(startCtx, &botState); err != nil {
				return fmt.Errorf("error creating config: %w", err)
			}
		} else {
			return fmt.Errorf("error getting config: %w", getStateErr)
		}
	}
	if validationErr := structValidator.Struct(botState); validationErr != nil {
		return fmt.Errorf("invalid runtime config: %w", validationErr)
	}

	if botState.AdminUsername == "" || botState.AdminPassword == "" {
		r.pendingSetup.Store(true)
	}
	r.paused.Store(botState.Paused)
	r.setRuntimeLevels(botState)
	r.setDenialLimit(botState)
	r.runtimeConfig = &botState

	r.gatekeeper = NewGatekeeper(r.db, r.logger)
	if err := r.gatekeeper.Refresh(startCtx); err != nil {
		return fmt.Errorf("error loading blacklist: %w", err)
	}

	r.guard = NewGuard(
		NewRuleSource(r.db),
		r.logger.With(loggerNameKey, "guard"),
	)

	return nil
}

func (r *Robot) initDB(ctx context.Context) error {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = r.logger
	}

	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     r.config.DatabaseLogLevel,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, r.config.DatabaseSlowThreshold)
	db, err := getDB(r.config.DatabaseType, r.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	r.db = db
	r.writeDB = NewDatabase(db, nil, r.config.DatabaseType == dbTypePostgres)

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}

	if r.config.DatabaseType == dbTypeSQLite {
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		if sqliteExecPragma != nil {
			pragmaErrors := make([]error, 0, len(sqliteExecPragma))
			for _, p := range sqliteExecPragma {
				pragmaErrors = append(
					pragmaErrors,
					db.WithContext(ctx).Exec(p).Error,
				)
			}
			pragmaErr := errors.Join(pragmaErrors...)
			if pragmaErr != nil {
				return pragmaErr
			}
		}
	}

	logger.Debug("migrating database...")
	txn := db.WithContext(ctx).Begin()

	mg := txn.Migrator()
	err = mg.AutoMigrate(
		&AccessRule{},
		&BlacklistEntry{},
		&RuntimeConfig{},
	)
	if err != nil {
		logger.Error("error migrating database", tint.Err(err))
		return fmt.Errorf("error migrating database: %w", err)
	}
	logger.Debug("finished migrating database")

	commitErr := txn.Commit().Error
	if commitErr != nil {
		return fmt.Errorf("error committing transaction: %w", commitErr)
	}
	return nil
}

func (r *Robot) initDiscordSession(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	logger := r.logger.With(loggerNameKey, "discord_session")

	if r.discord.session == nil {
		disc, discErr := r.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		r.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	if len(r.discord.discordgoRemoveHandlerFuncs) > 0 {
		for _, h := range r.discord.discordgoRemoveHandlerFuncs {
			h()
		}
	}

	identify := discordgo.Identify{Intents: r.config.Discord.GatewayIntents}
	if r.paused.Load() {
		identify.Presence = discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	} else {
		identify.Presence = discordgo.GatewayStatusUpdate{
			Status: r.RuntimeConfig().DiscordCustomStatus,
		}
	}
	r.discord.session.SetIdentify(identify)

	r.discord.discordgoRemoveHandlerFuncs = []func(){
		r.discord.session.AddHandler(r.discord.handlerConnect()),
		r.discord.session.AddHandler(r.discord.handlerDisconnect()),
		r.discord.session.AddHandler(r.discord.handlerReady()),
		r.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				i *discordgo.InteractionCreate,
			) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					r.handleInteraction(ctx, i)
				}()
			},
		),
	}
	return nil
}

func (r *Robot) startRuntimeConfigRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	logger *slog.Logger,
) {
	runtimeConfigTTL := r.config.RuntimeConfigTTL

	if runtimeConfigTTL > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(runtimeConfigTTL)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case r.triggerRuntimeConfigRefreshCh <- false:
						logger.Info("sent cache refresh signal from ticker")
					case <-time.After(5 * time.Second):
						logger.Warn("timed out sending config refresh signal")
					}
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()

		for {
			select {
			case <-ctx.Done():
				return
			case forceRefresh := <-r.triggerRuntimeConfigRefreshCh:
				refreshCh := make(chan struct{}, 1)
				refreshCtx, refreshCancel := context.WithTimeout(ctx, 30*time.Second)
				go func() {
					r.refreshRuntimeConfig(refreshCtx, forceRefresh)
					refreshCh <- struct{}{}
				}()
				select {
				case <-refreshCh:
				//
				case <-refreshCtx.Done():
					r.logger.Warn("refresh runtime config timed out or interrupted")
				}
				refreshCancel()
			}
		}
	}()
}

// startBlacklistRefresher reloads the Gatekeeper cache when signaled
// via the trigger channel, and on a TTL ticker when configured.
func (r *Robot) startBlacklistRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	logger *slog.Logger,
) {
	blacklistTTL := r.config.BlacklistTTL

	if blacklistTTL > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(blacklistTTL)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case r.triggerBlacklistRefreshCh <- false:
						logger.Info("sent blacklist refresh signal from ticker")
					case <-time.After(5 * time.Second):
						logger.Warn("timed out sending blacklist refresh signal")
					}
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.triggerBlacklistRefreshCh:
				refreshCtx, refreshCancel := context.WithTimeout(ctx, 30*time.Second)
				if err := r.gatekeeper.Refresh(refreshCtx); err != nil {
					logger.Error("error refreshing blacklist", tint.Err(err))
				}
				refreshCancel()
			}
		}
	}()
}

func (r *Robot) refreshRuntimeConfig(ctx context.Context, force bool) {
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()

	runtimeConfigTTL := r.config.RuntimeConfigTTL
	rollbackConfig := r.runtimeConfig

	var refreshConfig RuntimeConfig
	if err := r.db.WithContext(ctx).Last(&refreshConfig).Error; err != nil {
		r.logger.Error("error getting runtime config", tint.Err(err))
		return
	}

	lastUpdated := time.Since(time.UnixMilli(refreshConfig.UpdatedAt))
	if force || lastUpdated > runtimeConfigTTL {
		r.logger.Info(
			fmt.Sprintf(
				"runtime config last updated: %s ago, refreshing",
				lastUpdated.String(),
			),
		)
		r.unsafeRefreshRuntimeConfig(rollbackConfig, &refreshConfig)
	} else {
		r.logger.Info("runtime config is up to date, skipping refresh")
	}
}

// unsafeRefreshRuntimeConfig swaps in a freshly loaded runtime config
// without locking the config mutex, reconciling the discord gateway
// state with the new settings.
func (r *Robot) unsafeRefreshRuntimeConfig(
	rollbackConfig *RuntimeConfig,
	existingConfig *RuntimeConfig,
) {
	r.logger.Info("refreshing runtime configuration")
	switch {
	case rollbackConfig.DiscordGatewayEnabled && !existingConfig.DiscordGatewayEnabled:
		if discErr := r.discord.session.Close(); discErr != nil {
			r.logger.Error("error closing discord connection", tint.Err(discErr))
		}
	case rollbackConfig.DiscordGatewayEnabled && existingConfig.DiscordGatewayEnabled:
		switch {
		case existingConfig.Paused:
			if !rollbackConfig.Paused {
				if discErr := r.discord.session.UpdateStatusComplex(
					discordgo.UpdateStatusData{
						AFK:    true,
						Status: string(discordgo.StatusDoNotDisturb),
					},
				); discErr != nil {
					r.logger.Error("error updating discord status", tint.Err(discErr))
				}
			}
		case existingConfig.DiscordCustomStatus != rollbackConfig.DiscordCustomStatus:
			if discErr := r.discord.session.UpdateCustomStatus(
				existingConfig.DiscordCustomStatus,
			); discErr != nil {
				r.logger.Error("error updating discord status", tint.Err(discErr))
			}
		}
	case existingConfig.DiscordGatewayEnabled:
		r.discord.session.SetIdentify(
			discordgo.Identify{
				Intents:  r.config.Discord.GatewayIntents,
				Presence: discordPresenceStatusUpdate(*existingConfig),
			},
		)
		if discErr := r.discord.session.Open(); discErr != nil {
			r.logger.Error("error opening discord connection", tint.Err(discErr))
		}
	}

	r.paused.Store(existingConfig.Paused)
	r.runtimeConfig = existingConfig
	r.setRuntimeLevels(*existingConfig)
	r.setDenialLimit(*existingConfig)

	r.logger.Info("refreshed runtime config")
}

func discordPresenceStatusUpdate(state RuntimeConfig) discordgo.GatewayStatusUpdate {
	if state.Paused {
		return discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	return discordgo.GatewayStatusUpdate{Status: state.DiscordCustomStatus}
}

func (r *Robot) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	r.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if r.eventShutdown != nil {
			go func() {
				r.eventShutdown <- struct{}{}
			}()
		}
	}()
	shutdownStart := time.Now()
	shutdownTimeout := r.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		r.logger.Warn("immediate shutdown")
		go func() {
			_ = r.api.httpServer.Close()
		}()
		return fmt.Errorf("shutdown did not complete in time")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(10 * time.Second)
	defer announcementTicker.Stop()

	r.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", r.config.ShutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	// Graceful shutdown - at least until closeCtx is closed
	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait() // wait for anything spawned by the main processes
		runtimeStopEnd := time.Now()
		r.logger.InfoContext(
			ctx,
			"finished handling in-flight interactions",
			"shutdown_started", shutdownStart,
			"runtime_stopped", runtimeStopEnd,
			"runtime_stop_duration", runtimeStopEnd.Sub(shutdownStart),
		)
		stopWG := &sync.WaitGroup{}

		if r.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				r.logger.InfoContext(ctx, "stopping http server")
				_ = r.api.httpServer.Shutdown(closeCtx)
				r.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		if r.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				r.logger.InfoContext(ctx, "closing discord session")
				_ = r.discord.session.Close()
				r.logger.InfoContext(ctx, "discord session closed")
				if len(r.discord.discordgoRemoveHandlerFuncs) > 0 {
					r.logger.InfoContext(
						ctx,
						fmt.Sprintf(
							"removing %d discord handlers",
							len(r.discord.discordgoRemoveHandlerFuncs),
						),
					)
					for _, h := range r.discord.discordgoRemoveHandlerFuncs {
						h()
					}
					r.logger.InfoContext(ctx, "finished removing handlers")
				}
			}()
		}

		// wait on the above, then send a signal that we're done
		go func() {
			r.logger.InfoContext(ctx, "waiting graceful shutdown")
			stopWG.Wait()
			gracefulShutdownCh <- struct{}{}
			r.logger.InfoContext(ctx, "stopped http/discord")
		}()
	}()

	// if we get a signal on gracefulShutdownCh, everything stopped and
	// cleaned up normally. otherwise, burn it all down!
	for {
		select {
		case <-gracefulShutdownCh:
			closeCancel()
			shutdownEnded := time.Now()
			r.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_ended", shutdownEnded,
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			remaining := time.Until(shutdownDeadline)
			r.logger.Warn(
				fmt.Sprintf(
					"time until hard shutdown: %s",
					remaining.String(),
				),
			)
		case <-closeCtx.Done(): // timed out, start closing stuff
			r.logger.Warn("shutdown did not complete in time, forcing close")

			go func() {
				_ = r.api.httpServer.Close()
			}()

			return fmt.Errorf("shutdown did not complete in time")
		}
	}
}

// setRuntimeLevels sets the logging levels for the bot's components
// based on the provided runtime configuration.
func (r *Robot) setRuntimeLevels(state RuntimeConfig) {
	r.config.LogLevel.Set(state.LogLevel.Level())
	r.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	r.config.API.LogLevel.Set(state.APILogLevel.Level())
	r.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	r.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
}

// setDenialLimit applies the configured rate limit for denial replies.
func (r *Robot) setDenialLimit(state RuntimeConfig) {
	perSecond := state.DeniedRepliesPerSecond
	if perSecond <= 0 {
		perSecond = DefaultDeniedRepliesPerSecond
	}
	if r.denialLimiter == nil {
		r.denialLimiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	} else {
		r.denialLimiter.SetLimit(rate.Limit(perSecond))
	}
}

// Pause 'pauses' the bot. While paused, incoming slash commands are
// acknowledged with a notice but not executed. It returns a bool
// indicating whether the bot was running at the time it was called.
func (r *Robot) Pause(ctx context.Context) bool {
	prev := r.paused.Swap(true)
	if prev {
		return false
	}

	if err := r.discord.updateStatusComplex(
		discordgo.UpdateStatusData{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		},
	); err != nil {
		r.logger.ErrorContext(ctx, "unable to update afk status", tint.Err(err))
	}
	if !r.runtimeConfig.Paused {
		if _, err := r.writeDB.Update(
			ctx,
			r.runtimeConfig,
			columnRuntimeConfigPaused,
			true,
		); err != nil {
			r.logger.ErrorContext(ctx, "unable to set paused in db", tint.Err(err))
		}
	}
	return true
}

// Resume resumes command processing. It returns a bool indicating
// whether the bot was paused at the time the function was called.
func (r *Robot) Resume(ctx context.Context) bool {
	prev := r.paused.Swap(false)
	if !prev {
		r.logger.Warn("bot not paused")
		return false
	}
	r.logger.InfoContext(ctx, "bot resumed")

	if err := r.discord.updateCustomStatus(
		r.runtimeConfig.DiscordCustomStatus,
	); err != nil {
		r.logger.ErrorContext(ctx, "unable to update online status", tint.Err(err))
	}

	if r.runtimeConfig.Paused {
		if _, err := r.writeDB.Update(
			ctx, r.runtimeConfig, columnRuntimeConfigPaused, false,
		); err != nil {
			r.logger.ErrorContext(ctx, "unable to set resumed in db", tint.Err(err))
		}
	}

	return true
}
