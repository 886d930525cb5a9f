package robot

import (
	"context"
	cryptorand "crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	apiPrefix               = "/api"
	apiPathPause            = "/pause"
	apiPathResume           = "/resume"
	apiPathQuit             = "/quit"
	apiPathLogin            = "/login"
	apiPathLogout           = "/logout"
	apiPathLoggedIn         = "/logged_in"
	apiHealthCheck          = "/healthz"
	apiPathConfig           = "/config"
	apiPathSetup            = "/setup"
	apiPathSetupStatus      = "/setup/status"
	apiPathRules            = "/rules"
	apiPathRule             = "/rule/:id"
	apiPathBlacklist        = "/blacklist"
	apiPathBlacklistEntry   = "/blacklist/:id"
	apiPathRegisterCommands = "/discord/register_commands"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

var (
	structValidator = validator.New()
)

// API is the HTTP server backing the admin dashboard.
//
// It owns the gin engine, the session cookie store, and the route table.
// All state-changing routes sit behind session authentication, and every
// mutation that other processes need to see goes through the
// [DBNotifier] so replicas reload their caches.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI initializes the API server: gin engine, session store, TLS
// config, middleware and routes.
func newAPI(r *Robot, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	engine := gin.New()

	api := &API{
		config:              config,
		engine:              engine,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
	}
	apiHandlers := NewAPIHandlers(r)
	api.handlers = apiHandlers
	api.store = apiHandlers.store
	_ = engine.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	tlsCfg, e := tlsConfig(
		config.SSL.Cert,
		config.SSL.Key,
		config.SSL.TLSMinVersion,
	)
	if e != nil {
		return nil, fmt.Errorf("error loading SSL certs: %w", e)
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           engine,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	api.httpServer = httpServer
	api.logger = setupLogger.With(loggerNameKey, "api")

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && api.config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		engine.Use(gin.Recovery())
	}
	engine.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	engine.POST(apiPathLogin, apiHandlers.loginHandler)
	engine.GET(apiHealthCheck, apiHandlers.healthCheck)
	engine.POST(apiPathLogout, apiHandlers.logoutHandler)

	engine.POST(apiPathSetup, apiHandlers.adminSetup)
	engine.GET(apiPathSetupStatus, apiHandlers.setupStatus)

	protected := engine.Group(apiPrefix)
	protected.Use(authMiddleware(r))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)

	protected.GET(apiPathRules, apiHandlers.getRules)
	protected.POST(apiPathRules, apiHandlers.createRule)
	protected.PATCH(apiPathRule, apiHandlers.updateRule)
	protected.DELETE(apiPathRule, apiHandlers.deleteRule)

	protected.GET(apiPathBlacklist, apiHandlers.getBlacklist)
	protected.POST(apiPathBlacklist, apiHandlers.createBlacklistEntry)
	protected.DELETE(apiPathBlacklistEntry, apiHandlers.deleteBlacklistEntry)

	protected.GET(apiPathConfig, apiHandlers.getConfig)
	protected.PATCH(apiPathConfig, apiHandlers.updateRuntimeConfig)

	protected.POST(apiPathPause, apiHandlers.botPause)
	protected.POST(apiPathResume, apiHandlers.botResume)
	protected.POST(apiPathQuit, apiHandlers.botQuit)
	protected.POST(apiPathRegisterCommands, apiHandlers.discordRegisterCommands)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, e := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if e != nil {
		return fmt.Errorf(
			"error listening on %s (%s): %w",
			a.config.Listen,
			a.config.ListenNetwork,
			e,
		)
	}
	ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	a.listener = ln
	return a.httpServer.Serve(a.listener)
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	store := a.store
	session, err := store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	s, e := username.(string)
	if !e {
		return "", errors.New("username not a string")
	}
	return s, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the various API endpoints.
type APIHandlers struct {
	r      *Robot
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers initializes and returns a new instance of APIHandlers.
//
// This sets up the logger, derives (or generates) the session secret,
// and configures the session store.
func NewAPIHandlers(r *Robot) *APIHandlers {
	logger := r.logger.With(loggerNameKey, "api")

	var secretKey []byte
	switch sk := r.config.API.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	sameSite := http.SameSiteStrictMode
	if r.config.API.Development {
		sameSite = http.SameSiteNoneMode
	}
	store.Options(
		sessions.Options{
			HttpOnly: true,
			Secure:   true,
			MaxAge:   int(r.config.API.SessionMaxAge.Seconds()),
			SameSite: sameSite,
		},
	)
	return &APIHandlers{r: r, logger: logger, store: store}
}

// setupStatus reports whether the initial admin setup is still pending.
func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.r.pendingSetup.Load()})
}

// adminSetup handles the initial admin credential setup. It only works
// while setup is pending - once credentials exist, changing them goes
// through the config endpoint.
func (h *APIHandlers) adminSetup(c *gin.Context) {
	h.r.cfgMu.Lock()
	defer h.r.cfgMu.Unlock()

	if !h.r.pendingSetup.Load() {
		c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
		return
	}

	logger := ginContextLogger(c)
	logger.Info("first time admin setup")
	var adminSetup adminSetupPayload

	if e := c.ShouldBindJSON(&adminSetup); e != nil {
		logger.Error("bad payload", tint.Err(e))
		c.JSON(http.StatusBadRequest, gin.H{"error": e.Error()})
		return
	}

	currentState := h.r.runtimeConfig

	password, err := HashPassword(adminSetup.Password)
	if err != nil {
		logger.Error("error hashing password", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error setting admin credentials"},
		)
		return
	}

	if _, err = h.r.writeDB.Updates(
		c.Request.Context(), currentState, map[string]any{
			columnRuntimeConfigAdminUsername: adminSetup.Username,
			columnRuntimeConfigAdminPassword: password,
		},
	); err != nil {
		logger.Error("error updating admin credentials", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error updating admin credentials"},
		)
		return
	}
	h.r.runtimeConfig = currentState
	h.r.pendingSetup.Store(false)
	c.JSON(http.StatusCreated, gin.H{"message": "admin credentials set"})
}

// loginHandler validates admin credentials and creates a new session.
// Login attempts are rate limited.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := h.r.logger
	if logger == nil {
		logger = slog.Default()
	}
	if !h.r.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runtimeConfig := h.r.RuntimeConfig()
	if runtimeConfig.AdminUsername == "" || runtimeConfig.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	if login.Username != runtimeConfig.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	valid, err := VerifyPassword(runtimeConfig.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "Internal Server Error"},
		)
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	session, err := h.r.api.store.New(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error creating session", tint.Err(err))

		sess, _ := h.store.Get(c.Request, sessionVarName)
		if sess != nil {
			sess.Values[sessionVarField] = ""
			_ = sess.Save(c.Request, c.Writer)
		}
		ginReplyError(c, "internal server error")
		return
	}
	if session == nil {
		logger.Error("didn't get session!?")
		ginReplyError(c, "internal server error")
		return
	}
	sameSite := http.SameSiteStrictMode
	if h.r.api.config.Development {
		sameSite = http.SameSiteNoneMode
	}
	session.Options = &gsessions.Options{
		MaxAge:   int(h.r.api.config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
		HttpOnly: true,
		Secure:   true,
	}
	session.Values[sessionVarField] = login.Username
	err = session.Save(c.Request, c.Writer)
	if err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

// healthCheck reports the bot's pause state and gateway connectivity.
func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Paused:                  h.r.paused.Load(),
			DiscordGatewayConnected: h.r.discord.connected.Load(),
		},
	)
}

// logoutHandler clears the username from the session.
func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	session.Values[sessionVarField] = ""
	err = session.Save(c.Request, c.Writer)
	if err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

// loggedIn returns the username for an authenticated session, or 401.
func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.r.api.getSessionUsername(c)
	if err != nil {
		ginContextLogger(c).Warn(
			"error getting session username",
			tint.Err(err),
		)
		c.JSON(
			http.StatusUnauthorized,
			httpError{Error: "unauthorized"},
		)
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

// getRules lists access rules, optionally filtered by the guild_id
// query parameter.
func (h *APIHandlers) getRules(c *gin.Context) {
	logger := ginContextLogger(c)

	var rules []AccessRule
	query := h.r.db.Order("guild_id, name")
	if guildID := c.Query("guild_id"); guildID != "" {
		query = query.Where(map[string]any{columnAccessRuleGuildID: guildID})
	}
	if err := query.Find(&rules).Error; err != nil {
		logger.Error("error listing access rules", tint.Err(err))
		ginReplyError(c, "error listing access rules")
		return
	}
	c.JSON(http.StatusOK, rules)
}

// createRule creates a new access rule.
func (h *APIHandlers) createRule(c *gin.Context) {
	logger := ginContextLogger(c)

	var payload accessRulePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rule := payload.rule()
	if _, err := h.r.writeDB.Create(c.Request.Context(), &rule); err != nil {
		logger.Error("error creating access rule", tint.Err(err))
		ginReplyError(c, "error creating access rule")
		return
	}
	logger.Info("created access rule", "rule", rule)
	c.JSON(http.StatusCreated, rule)
}

// updateRule applies a partial update to an existing access rule.
func (h *APIHandlers) updateRule(c *gin.Context) {
	logger := ginContextLogger(c)

	var rule AccessRule
	if err := h.r.db.First(&rule, "id = ?", c.Param("id")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, httpError{Error: "rule not found"})
			return
		}
		logger.Error("error fetching access rule", tint.Err(err))
		ginReplyError(c, "error fetching access rule")
		return
	}

	var payload accessRuleUpdate
	if err := c.ShouldBindJSON(&payload); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updates := payload.updates()
	if len(updates) == 0 {
		c.JSON(http.StatusOK, rule)
		return
	}

	if _, err := h.r.writeDB.Updates(c.Request.Context(), &rule, updates); err != nil {
		logger.Error("error updating access rule", tint.Err(err))
		ginReplyError(c, "error updating access rule")
		return
	}
	logger.Info("updated access rule", "rule", rule, "updates", updates)
	c.JSON(http.StatusOK, rule)
}

// deleteRule removes an access rule.
func (h *APIHandlers) deleteRule(c *gin.Context) {
	logger := ginContextLogger(c)

	var rule AccessRule
	if err := h.r.db.First(&rule, "id = ?", c.Param("id")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, httpError{Error: "rule not found"})
			return
		}
		logger.Error("error fetching access rule", tint.Err(err))
		ginReplyError(c, "error fetching access rule")
		return
	}

	if _, err := h.r.writeDB.Delete(&rule); err != nil {
		logger.Error("error deleting access rule", tint.Err(err))
		ginReplyError(c, "error deleting access rule")
		return
	}
	logger.Info("deleted access rule", "rule", rule)
	ginReplyMessage(c, "rule deleted")
}

// getBlacklist lists all blacklist entries.
func (h *APIHandlers) getBlacklist(c *gin.Context) {
	logger := ginContextLogger(c)

	var entries []BlacklistEntry
	if err := h.r.db.Order("kind, snowflake_id").Find(&entries).Error; err != nil {
		logger.Error("error listing blacklist", tint.Err(err))
		ginReplyError(c, "error listing blacklist")
		return
	}
	c.JSON(http.StatusOK, entries)
}

// createBlacklistEntry adds an ID to the blacklist and notifies all
// processes to reload their gatekeeper caches.
func (h *APIHandlers) createBlacklistEntry(c *gin.Context) {
	logger := ginContextLogger(c)

	var payload blacklistEntryPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entry := BlacklistEntry{
		SnowflakeID: payload.SnowflakeID,
		Kind:        payload.Kind,
		Reason:      payload.Reason,
	}
	if _, err := h.r.writeDB.Create(c.Request.Context(), &entry); err != nil {
		logger.Error("error creating blacklist entry", tint.Err(err))
		ginReplyError(c, "error creating blacklist entry")
		return
	}
	logger.Info("created blacklist entry", "entry", entry)
	c.JSON(http.StatusCreated, entry)

	if sent := h.r.dbNotifier.ReloadBlacklist(c.Request.Context()); !sent {
		logger.Error("error sending blacklist reload notification")
	}
}

// deleteBlacklistEntry removes a blacklist entry and notifies all
// processes to reload their gatekeeper caches.
func (h *APIHandlers) deleteBlacklistEntry(c *gin.Context) {
	logger := ginContextLogger(c)

	var entry BlacklistEntry
	if err := h.r.db.First(&entry, "id = ?", c.Param("id")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, httpError{Error: "entry not found"})
			return
		}
		logger.Error("error fetching blacklist entry", tint.Err(err))
		ginReplyError(c, "error fetching blacklist entry")
		return
	}

	if _, err := h.r.writeDB.Delete(&entry); err != nil {
		logger.Error("error deleting blacklist entry", tint.Err(err))
		ginReplyError(c, "error deleting blacklist entry")
		return
	}
	logger.Info("deleted blacklist entry", "entry", entry)
	ginReplyMessage(c, "entry deleted")

	if sent := h.r.dbNotifier.ReloadBlacklist(c.Request.Context()); !sent {
		logger.Error("error sending blacklist reload notification")
	}
}

// getConfig returns the current runtime configuration.
func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.r.RuntimeConfig())
}

// updateRuntimeConfig applies a partial update to the runtime
// configuration, persists it, applies the new log levels and pause
// state, and notifies other processes to reload.
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	r := h.r
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()

	ctx := context.Background()

	var updateRequest RuntimeConfigUpdate
	logger := ginContextLogger(c)
	if err := c.ShouldBindJSON(&updateRequest); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	existingConfig := r.runtimeConfig
	rollbackConfig := *existingConfig

	updates, err := payloadToUpdates(updateRequest)
	if err != nil {
		logger.ErrorContext(c, "error building updates", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error building updates"},
		)
		return
	}
	logger.InfoContext(c, "Applying updates", "updates", updates)

	var updateError error
	var statusCode int
	var ginResponse gin.H

	_ = r.writeDB.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			updateError = tx.Model(existingConfig).Updates(updates).Error
			if updateError != nil {
				statusCode = http.StatusInternalServerError
				ginResponse = gin.H{"error": "Error updating config"}
				return updateError
			}

			updateError = structValidator.Struct(existingConfig)
			if updateError != nil {
				statusCode = http.StatusBadRequest
				ginResponse = gin.H{"error": "Error validating config"}
				return updateError
			}
			return nil
		},
	)

	if updateError != nil {
		r.runtimeConfig = &rollbackConfig
		logger.ErrorContext(c, "Error updating config", tint.Err(updateError))
		c.JSON(statusCode, ginResponse)
		return
	}

	r.setRuntimeLevels(*existingConfig)
	r.setDenialLimit(*existingConfig)

	wasPaused := r.paused.Swap(existingConfig.Paused)
	switch {
	case wasPaused && !existingConfig.Paused:
		logger.Info("unpaused bot")
	case existingConfig.Paused && !wasPaused:
		logger.Warn("paused bot")
	}

	if existingConfig.DiscordCustomStatus != rollbackConfig.DiscordCustomStatus {
		if statusErr := r.discord.updateCustomStatus(
			existingConfig.DiscordCustomStatus,
		); statusErr != nil {
			logger.Error("error updating discord status", tint.Err(statusErr))
		}
	}

	c.JSON(http.StatusAccepted, existingConfig)

	if sent := r.dbNotifier.ReloadRuntimeConfig(ctx); !sent {
		logger.Error("error sending config update notification")
	}
}

// botPause suspends command execution without disconnecting the gateway.
func (h *APIHandlers) botPause(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.r.Pause(c.Request.Context()) {
		ginReplyMessage(c, "bot already paused")
		return
	}
	logger.Warn("paused bot")
	ginReplyMessage(c, "paused")
}

// botResume resumes command execution.
func (h *APIHandlers) botResume(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.r.Resume(c.Request.Context()) {
		ginReplyMessage(c, "bot not paused")
		return
	}
	logger.Info("resumed bot")
	ginReplyMessage(c, "resumed")
}

// botQuit triggers a graceful shutdown via the notifier, so every
// process sharing the database stops.
func (h *APIHandlers) botQuit(c *gin.Context) {
	logger := ginContextLogger(c)
	logger.Warn("quit requested")
	ginReplyMessage(c, "stopping")
	if sent := h.r.dbNotifier.Stop(c.Request.Context()); !sent {
		logger.Error("error sending stop notification")
	}
}

// discordRegisterCommands re-registers the bot's slash commands with
// discord.
func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	logger := ginContextLogger(c)
	commands, err := h.r.discord.registerCommands()
	if err != nil {
		logger.Error("error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	c.JSON(http.StatusCreated, commands)
}

// accessRulePayload is the request body for creating an access rule.
type accessRulePayload struct {
	GuildID      string        `json:"guild_id" binding:"required"`
	Name         string        `json:"name" binding:"required"`
	Commands     []string      `json:"commands"`
	Channels     []string      `json:"channels"`
	Roles        []string      `json:"roles"`
	Mode         RoleMatchMode `json:"mode" binding:"required,oneof=none any all"`
	Enabled      *bool         `json:"enabled"`
	ErrorMessage string        `json:"error_message"`
}

func (p accessRulePayload) rule() AccessRule {
	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	return AccessRule{
		GuildID:      p.GuildID,
		Name:         p.Name,
		Commands:     Snowflakes(p.Commands),
		Channels:     Snowflakes(p.Channels),
		Roles:        Snowflakes(p.Roles),
		Mode:         p.Mode,
		Enabled:      enabled,
		ErrorMessage: p.ErrorMessage,
	}
}

// accessRuleUpdate is the request body for partially updating an
// access rule.
type accessRuleUpdate struct {
	Name         *string        `json:"name,omitempty" binding:"omitnil,min=1"`
	Commands     *[]string      `json:"commands,omitempty"`
	Channels     *[]string      `json:"channels,omitempty"`
	Roles        *[]string      `json:"roles,omitempty"`
	Mode         *RoleMatchMode `json:"mode,omitempty" binding:"omitnil,oneof=none any all"`
	Enabled      *bool          `json:"enabled,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
}

// updates builds a column update map from the fields present in the
// payload. The scope columns go through [Snowflakes] so they serialize
// the same way as on create.
func (p accessRuleUpdate) updates() map[string]any {
	updates := map[string]any{}
	if p.Name != nil {
		updates["name"] = *p.Name
	}
	if p.Commands != nil {
		updates["commands"] = Snowflakes(*p.Commands)
	}
	if p.Channels != nil {
		updates["channels"] = Snowflakes(*p.Channels)
	}
	if p.Roles != nil {
		updates["roles"] = Snowflakes(*p.Roles)
	}
	if p.Mode != nil {
		updates["mode"] = *p.Mode
	}
	if p.Enabled != nil {
		updates["enabled"] = *p.Enabled
	}
	if p.ErrorMessage != nil {
		updates["error_message"] = *p.ErrorMessage
	}
	return updates
}

// blacklistEntryPayload is the request body for creating a blacklist
// entry.
type blacklistEntryPayload struct {
	SnowflakeID string        `json:"snowflake_id" binding:"required"`
	Kind        BlacklistKind `json:"kind" binding:"required,oneof=user channel guild"`
	Reason      string        `json:"reason"`
}

// payloadToUpdates converts a pointer-field PATCH payload into a
// column update map by round-tripping it through JSON, so only the
// fields actually present in the request are updated.
func payloadToUpdates(payload any) (map[string]any, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var updates map[string]any
	if err = json.Unmarshal(data, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

type loggedInResponse struct {
	Username string `json:"username"`
}

// healthCheckResponse represents the response structure for a health
// check endpoint.
type healthCheckResponse struct {
	Paused                  bool `json:"paused"`
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
}

// httpReply represents a standard HTTP response message.
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// userLogin represents the payload for user login requests.
type userLogin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// adminSetupPayload represents the payload for the initial admin setup.
type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// setupResponse is the response struct for the 'setup status'
// endpoint. If an admin username/password haven't been set yet,
// Required will be true, indicating setup is needed.
type setupResponse struct {
	Required bool `json:"required"`
}

// authMiddleware returns a Gin middleware function for authentication.
//
// It retrieves the session from the request and checks if the user is
// authenticated. If the user is not authenticated, it aborts the request
// with a 401 Unauthorized status. If the bot is pending setup (no admin
// credentials have been set), it also returns HTTP 401.
func authMiddleware(r *Robot) gin.HandlerFunc {
	return func(c *gin.Context) {
		store := r.api.store
		logger := r.logger
		if logger == nil {
			logger = slog.Default()
		}
		if r.pendingSetup.Load() {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		session, err := store.Get(c.Request, sessionVarName)
		if err != nil {
			logger.Error("error getting session", tint.Err(err))
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		if session == nil {
			logger.Error("session is nil")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		username, ok := session.Values[sessionVarField]
		if !ok || username == "" {
			logger.Warn(
				"username not found in session",
				"headers",
				c.Request.Header,
			)
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		c.Next()
	}
}

// requestIDMiddleware generates a Gin middleware function that assigns a
// unique request ID to each incoming request.
//
// It generates a random hexadecimal string and sets it in the Gin context
// under the key "X-Request-ID".
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		if requestID, exists := c.Get(xRequestIDHeader); exists {
			c.Header(xRequestIDHeader, requestID.(string))
		}
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware returns a Gin middleware function for logging
// HTTP requests.
//
// It logs the request method, path, remote address, user agent, referer,
// and the duration of the request. If there are any errors, it logs
// them as well.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware returns a Gin middleware function for tracking API
// request metrics.
//
// It increments the request count for each unique combination of HTTP
// method and URL path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		_, ok := a.requestMetrics[key]
		if !ok {
			a.requestMetrics[key] = 1
			return
		}
		a.requestMetrics[key]++
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

// generateSelfSignedCert generates a self-signed TLS certificate and
// private key, valid from the current time for 1 year.
func generateSelfSignedCert(
	certFile string,
	keyFile string,
) (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(cryptorand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	certTemplate := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Robot"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(
		cryptorand.Reader,
		&certTemplate,
		&certTemplate,
		&priv.PublicKey,
		priv,
	)
	if err != nil {
		return tls.Certificate{}, err
	}

	certOut, err := os.Create(certFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	defer func() {
		_ = certOut.Close()
	}()

	if err = pem.Encode(
		certOut,
		&pem.Block{Type: "CERTIFICATE", Bytes: derBytes},
	); err != nil {
		return tls.Certificate{}, err
	}

	keyOut, err := os.Create(keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	defer func() {
		_ = keyOut.Close()
	}()

	privBytes := x509.MarshalPKCS1PrivateKey(priv)
	if err = pem.Encode(
		keyOut,
		&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes},
	); err != nil {
		return tls.Certificate{}, err
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}

	return cert, nil
}
