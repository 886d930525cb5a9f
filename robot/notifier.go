package robot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
)

const (
	postgresNotifyChannelRuntimeConfigUpdated = "robot_reload_runtime_config"
	postgresNotifyChannelReloadBlacklist      = "robot_reload_blacklist"
	postgresNotifyChannelStop                 = "robot_stop"
)

var dbNotifierSendTimeout = 15 * time.Second

// DBNotifier announces database changes to running bot instances. The
// admin API uses it after a write so every instance reloads its runtime
// config or Gatekeeper blacklist, rather than waiting for a TTL refresh.
type DBNotifier interface {
	RuntimeConfigChannelName() string

	// ReloadRuntimeConfig sends a notification to bot instances to
	// reload their runtime configuration from the DB
	ReloadRuntimeConfig(context.Context) bool

	BlacklistChannelName() string

	// ReloadBlacklist sends a notification to bot instances to reload
	// the Gatekeeper blacklist
	ReloadBlacklist(context.Context) bool

	StopChannelName() string

	// Stop sends a shutdown signal to all bots
	Stop(context.Context) bool

	// ID returns the identifier for this notifier. DBNotifier instances
	// should use this ID to filter out their own notifications.
	ID() string

	Listen(ctx context.Context, channel string) error
}

func newDBNotifier(r *Robot) (DBNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	log := r.logger.With(loggerNameKey, "db_notifier")
	switch r.config.DatabaseType {
	case dbTypeSQLite:
		return &sqliteNotifier{
			logger:         log,
			r:              r,
			sqliteNotifyID: notifyID,
		}, nil
	case dbTypePostgres:
		return &postgresNotifier{
			r:          r,
			logger:     log,
			pgNotifyID: notifyID,
		}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

// sqliteNotifier forwards notifications in-process. With SQLite there's
// only ever one bot instance, so the channels collapse to the Robot's own
// trigger channels.
type sqliteNotifier struct {
	logger         *slog.Logger
	r              *Robot
	sqliteNotifyID string
}

func (s *sqliteNotifier) Listen(_ context.Context, channel string) error {
	s.logger.Debug("listener called", "channel", channel)
	return nil
}

func (sqliteNotifier) StopChannelName() string {
	return ""
}

func (s *sqliteNotifier) Stop(ctx context.Context) bool {
	s.logger.Info("notifying stop signal")
	select {
	case s.r.signalStop <- struct{}{}:
	//
	case <-ctx.Done():
		s.logger.Warn("timeout sending stop signal")
		return false
	}
	return true
}

func (s *sqliteNotifier) ID() string {
	return s.sqliteNotifyID
}

func (s *sqliteNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	s.logger.Info("got runtime config reload notification")
	select {
	case s.r.triggerRuntimeConfigRefreshCh <- true:
	//
	case <-ctx.Done():
		s.logger.Warn("timeout sending config refresh signal")
		return false
	}
	return true
}

func (s *sqliteNotifier) ReloadBlacklist(ctx context.Context) bool {
	s.logger.Info("got blacklist reload notification")
	select {
	case s.r.triggerBlacklistRefreshCh <- true:
	//
	case <-ctx.Done():
		s.logger.Warn("timeout sending blacklist refresh signal")
		return false
	}
	return true
}

func (sqliteNotifier) BlacklistChannelName() string {
	return ""
}

func (sqliteNotifier) RuntimeConfigChannelName() string {
	return ""
}

// postgresNotifier fans notifications out to all bot instances via
// LISTEN/NOTIFY.
type postgresNotifier struct {
	r          *Robot
	logger     *slog.Logger
	pgNotifyID string
}

func (postgresNotifier) BlacklistChannelName() string {
	return postgresNotifyChannelReloadBlacklist
}

func (postgresNotifier) RuntimeConfigChannelName() string {
	return postgresNotifyChannelRuntimeConfigUpdated
}

func (postgresNotifier) StopChannelName() string {
	return postgresNotifyChannelStop
}

func (p *postgresNotifier) ID() string {
	return p.pgNotifyID
}

func (p *postgresNotifier) notify(ctx context.Context, channel string) bool {
	notifyErr := p.r.writeDB.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		channel,
		p.ID(),
	).Error
	if notifyErr != nil {
		p.logger.ErrorContext(
			ctx,
			"Error sending NOTIFY",
			tint.Err(notifyErr),
			"channel", channel,
		)
		return false
	}
	p.logger.Info("sent notification", "channel", channel, "pg_notify_id", p.ID())
	return true
}

func (p *postgresNotifier) Stop(ctx context.Context) bool {
	return p.notify(ctx, p.StopChannelName())
}

func (p *postgresNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	return p.notify(ctx, p.RuntimeConfigChannelName())
}

func (p *postgresNotifier) ReloadBlacklist(ctx context.Context) bool {
	sent := p.notify(ctx, p.BlacklistChannelName())

	select {
	case p.r.triggerBlacklistRefreshCh <- true:
	//
	case <-ctx.Done():
		p.logger.Warn("timeout sending blacklist refresh signal")
	}

	return sent
}

func (p *postgresNotifier) Listen(ctx context.Context, channel string) error {
	p.logger.Info("starting db listener", "channel", channel)

	config, err := pgxpool.ParseConfig(p.r.config.Database)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error parsing database config", tint.Err(err))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error acquiring connection", tint.Err(err))
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel))
	if err != nil {
		p.logger.ErrorContext(ctx, "Error setting up listener", tint.Err(err))
		return err
	}
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "Started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			logger.ErrorContext(ctx, "Error waiting for notification", tint.Err(e))
			time.Sleep(5 * time.Second) // Wait before retrying
			continue
		}
		if notification.Payload == p.ID() {
			logger.Info(
				"Received notification from self, ignoring",
				"payload",
				notification.Payload,
			)
			continue
		}

		switch channel {
		case p.RuntimeConfigChannelName():
			logger.InfoContext(ctx, "Received notification for runtime config update")
			select {
			case p.r.triggerRuntimeConfigRefreshCh <- true:
				logger.Info("sent runtime config refresh signal from postgres listener")
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out sending config refresh signal")
			}
		case p.BlacklistChannelName():
			logger.InfoContext(ctx, "Received notification to reload blacklist")
			select {
			case p.r.triggerBlacklistRefreshCh <- true:
				logger.Info("sent blacklist refresh signal from postgres listener")
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out sending blacklist refresh signal")
			}
		case p.StopChannelName():
			logger.InfoContext(ctx, "received stop signal via NOTIFY")
			select {
			case p.r.signalStop <- struct{}{}:
				logger.Info("forwarded stop signal")
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out forwarding stop signal")
			}
		default:
			logger.Warn("Received unknown notification", "channel", notification.Channel)
		}
	}

	return nil
}
