package refwarden

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	xRequestIDHeader = "X-Request-ID"

	sessionVarName  = "refwarden"
	sessionVarField = "authenticated"

	// loginBurst bounds how many login attempts are allowed before
	// the per-second limiter kicks in.
	loginBurst = 5
)

// API is the backend HTTP server: login-gated admin endpoints for
// inspecting disputes and users, updating runtime config, and
// controlling the bot.
type API struct {
	rw     *RefWarden
	config *APIConfig

	engine     *gin.Engine
	httpServer *http.Server

	logger   *slog.Logger
	logLevel *slog.LevelVar

	loginLimiter *rate.Limiter
}

func newAPI(rw *RefWarden, config *APIConfig) (*API, error) {
	if config == nil {
		return nil, errors.New("nil API config")
	}
	logLevel := config.LogLevel
	if logLevel == nil {
		logLevel = &slog.LevelVar{}
		logLevel.Set(DefaultAPILogLevel)
	}
	api := &API{
		rw:           rw,
		config:       config,
		logLevel:     logLevel,
		logger:       slog.New(tintHandler(os.Stdout, logLevel)).With(loggerNameKey, "api"),
		loginLimiter: rate.NewLimiter(rate.Every(time.Second), loginBurst),
	}

	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterCustomTypeFunc(validateMirrorConfig, MirrorConfig{})
	}

	secret := config.Secret
	if secret == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("error generating session secret: %w", err)
		}
		secret = string(b)
		api.logger.Warn(
			"no session secret configured, sessions will not survive restarts",
		)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(api.requestIDMiddleware())
	engine.Use(api.loggingMiddleware())
	if len(config.CORS.AllowOrigins) > 0 {
		engine.Use(cors.New(config.CORS.GINConfig()))
	}

	store := cookie.NewStore([]byte(secret))
	sameSite := http.SameSiteStrictMode
	if config.Development {
		sameSite = http.SameSiteNoneMode
	}
	store.Options(
		sessions.Options{
			Path:     "/",
			MaxAge:   int(config.SessionMaxAge.Seconds()),
			Secure:   config.SSL.Cert != "",
			HttpOnly: true,
			SameSite: sameSite,
		},
	)
	engine.Use(sessions.Sessions(sessionVarName, store))

	api.engine = engine
	api.registerRoutes()
	return api, nil
}

func (a *API) registerRoutes() {
	a.engine.GET("/healthz", a.health)

	root := a.engine.Group("/api")
	root.POST("/login", a.login)
	root.POST("/logout", a.logout)
	root.GET("/setup", a.getSetup)
	root.POST("/setup", a.postSetup)

	auth := root.Group("", a.requireLogin())
	auth.GET("/status", a.getStatus)
	auth.GET("/disputes", a.listDisputes)
	auth.GET("/disputes/:id", a.getDispute)
	auth.GET("/users", a.listUsers)
	auth.PATCH("/users/:id", a.updateUser)
	auth.GET("/config", a.getConfig)
	auth.PATCH("/config", a.updateConfig)
	auth.POST("/pause", a.pause)
	auth.POST("/resume", a.resume)
	auth.POST("/quit", a.quit)
	auth.POST("/discord/register_commands", a.registerCommands)

	pprof.RouteRegister(auth.Group(""), "pprof")
}

// Serve runs the HTTP server until the context is canceled.
func (a *API) Serve(ctx context.Context) error {
	listener, err := net.Listen(a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}

	a.httpServer = &http.Server{
		Handler:           a.engine,
		ReadTimeout:       a.config.ReadTimeout,
		ReadHeaderTimeout: a.config.ReadHeaderTimeout,
		WriteTimeout:      a.config.WriteTimeout,
		IdleTimeout:       a.config.IdleTimeout,
	}
	if a.config.SSL.Cert != "" {
		tlsCfg, tlsErr := tlsConfig(
			a.config.SSL.Cert,
			a.config.SSL.Key,
			a.config.SSL.TLSMinVersion,
		)
		if tlsErr != nil {
			return tlsErr
		}
		a.httpServer.TLSConfig = tlsCfg
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("API listening", "address", a.config.Listen)
		var serveErr error
		if a.httpServer.TLSConfig != nil {
			serveErr = a.httpServer.ServeTLS(listener, "", "")
		} else {
			serveErr = a.httpServer.Serve(listener)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
		close(errCh)
	}()

	select {
	case err = <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		a.config.WriteTimeout,
	)
	defer cancel()
	if shutdownErr := a.httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		a.logger.Error("error shutting down API", tint.Err(shutdownErr))
	}
	return nil
}

func (a *API) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(xRequestIDHeader)
		if requestID == "" {
			requestID = fmt.Sprintf("%d", time.Now().UnixNano())
		}
		c.Header(xRequestIDHeader, requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}

func (a *API) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.logger.Info(
			"request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"request_id", c.GetString("request_id"),
			"client_ip", c.ClientIP(),
		)
	}
}

// requireLogin rejects requests without an authenticated session.
func (a *API) requireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		if v, ok := session.Get(sessionVarField).(bool); !ok || !v {
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				gin.H{"error": "login required"},
			)
			return
		}
		c.Next()
	}
}

func (a *API) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (a *API) login(c *gin.Context) {
	if !a.loginLimiter.Allow() {
		c.JSON(
			http.StatusTooManyRequests,
			gin.H{"error": "too many login attempts"},
		)
		return
	}

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rc := a.rw.RuntimeConfig()
	if rc.AdminUsername == "" || rc.AdminPassword == "" {
		c.JSON(
			http.StatusForbidden,
			gin.H{"error": "admin credentials not configured"},
		)
		return
	}
	match, err := VerifyPassword(rc.AdminPassword, req.Password)
	if err != nil || !match || req.Username != rc.AdminUsername {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	session := sessions.Default(c)
	session.Set(sessionVarField, true)
	if err = session.Save(); err != nil {
		a.logger.Error("error saving session", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "logged in"})
}

func (a *API) logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	_ = session.Save()
	c.JSON(http.StatusOK, gin.H{"status": "logged out"})
}

// getSetup reports whether admin credentials have been configured.
func (a *API) getSetup(c *gin.Context) {
	rc := a.rw.RuntimeConfig()
	c.JSON(
		http.StatusOK,
		gin.H{
			"configured": rc.AdminUsername != "" && rc.AdminPassword != "",
		},
	)
}

type setupRequest struct {
	Username string `json:"username" binding:"required,min=3"`
	Password string `json:"password" binding:"required,min=12"`
}

// postSetup sets the admin credentials. It only works once, while no
// credentials exist.
func (a *API) postSetup(c *gin.Context) {
	rc := a.rw.RuntimeConfig()
	if rc.AdminUsername != "" || rc.AdminPassword != "" {
		c.JSON(
			http.StatusForbidden,
			gin.H{"error": "admin credentials already configured"},
		)
		return
	}

	var req setupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	hashed, err := HashPassword(req.Password)
	if err != nil {
		a.logger.Error("error hashing password", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	rc.AdminUsername = req.Username
	rc.AdminPassword = hashed
	ctx := c.Request.Context()
	if _, err = a.rw.writeDB.Updates(
		ctx,
		&rc,
		map[string]any{
			"admin_username": rc.AdminUsername,
			"admin_password": rc.AdminPassword,
		},
	); err != nil {
		a.logger.Error("error saving credentials", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	a.rw.setRuntimeConfig(rc)
	c.JSON(http.StatusCreated, gin.H{"status": "configured"})
}

func (a *API) getStatus(c *gin.Context) {
	rc := a.rw.RuntimeConfig()
	c.JSON(
		http.StatusOK,
		gin.H{
			"started_at":       a.rw.startedAt,
			"uptime":           time.Since(a.rw.startedAt).String(),
			"paused":           rc.Paused,
			"open_disputes":    a.rw.disputes.Len(),
			"mirror_queue_len": a.rw.mirrorQueue.Len(),
			"pending_routes":   a.rw.dmRouter.len(),
		},
	)
}

func (a *API) listDisputes(c *gin.Context) {
	var disputes []Dispute
	q := a.rw.db.WithContext(c.Request.Context()).Order("id desc").Limit(200)
	if state := c.Query("state"); state != "" {
		q = q.Where(fmt.Sprintf("%s = ?", columnDisputeState), state)
	}
	if err := q.Find(&disputes).Error; err != nil {
		a.logger.Error("error listing disputes", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, disputes)
}

func (a *API) getDispute(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dispute ID"})
		return
	}

	ctx := c.Request.Context()
	var dispute Dispute
	if err = a.rw.db.WithContext(ctx).First(
		&dispute,
		uint(id),
	).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "dispute not found"})
			return
		}
		a.logger.Error("error loading dispute", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	var rulings []RulingRecord
	_ = a.rw.db.WithContext(ctx).Where(
		"dispute_id = ?",
		dispute.ID,
	).Find(&rulings).Error

	var messages []DiscordMessage
	_ = a.rw.db.WithContext(ctx).Where(
		"dispute_id = ?",
		dispute.ID,
	).Order("id asc").Find(&messages).Error

	c.JSON(
		http.StatusOK,
		gin.H{
			"dispute":  dispute,
			"rulings":  rulings,
			"messages": messages,
		},
	)
}

func (a *API) listUsers(c *gin.Context) {
	var users []User
	if err := a.rw.db.WithContext(c.Request.Context()).Order(
		"last_seen desc",
	).Limit(500).Find(&users).Error; err != nil {
		a.logger.Error("error listing users", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, users)
}

type userUpdateRequest struct {
	Ignored *bool `json:"ignored" binding:"required"`
}

func (a *API) updateUser(c *gin.Context) {
	userID := c.Param("id")
	var req userUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	user := a.rw.writeDB.ReloadUser(userID)
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	user.Ignored = *req.Ignored
	if _, err := a.rw.writeDB.Updates(
		ctx,
		user,
		map[string]any{columnUserIgnored: user.Ignored},
	); err != nil {
		a.logger.Error("error updating user", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, user)
}

func (a *API) getConfig(c *gin.Context) {
	rc := a.rw.RuntimeConfig()
	rc.AdminPassword = ""
	c.JSON(http.StatusOK, rc)
}

func (a *API) updateConfig(c *gin.Context) {
	var req RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rc := a.rw.RuntimeConfig()
	updates := map[string]any{}

	setString := func(column string, target *string, value *string) {
		if value != nil {
			*target = *value
			updates[column] = *value
		}
	}
	setBool := func(column string, target *bool, value *bool) {
		if value != nil {
			*target = *value
			updates[column] = *value
		}
	}
	setLevel := func(column string, target *DBLogLevel, value *DBLogLevel) {
		if value != nil {
			*target = *value
			updates[column] = value.String()
		}
	}

	setBool("paused", &rc.Paused, req.Paused)
	setString("referee_role_id", &rc.RefereeRoleID, req.RefereeRoleID)
	setString("referee_channel_id", &rc.RefereeChannelID, req.RefereeChannelID)
	setString("decision_channel_id", &rc.DecisionChannelID, req.DecisionChannelID)
	setString(
		"decision_channel_pattern",
		&rc.DecisionChannelPattern,
		req.DecisionChannelPattern,
	)
	setString(
		"notification_channel_id",
		&rc.NotificationChannelID,
		req.NotificationChannelID,
	)
	setBool(
		"evidence_mirror_enabled",
		&rc.EvidenceMirrorEnabled,
		req.EvidenceMirrorEnabled,
	)
	setString("ruling_template", &rc.RulingTemplate, req.RulingTemplate)
	setString("resolution_template", &rc.ResolutionTemplate, req.ResolutionTemplate)
	setString(
		"discord_error_message",
		&rc.DiscordErrorMessage,
		req.DiscordErrorMessage,
	)
	setString(
		"discord_custom_status",
		&rc.DiscordCustomStatus,
		req.DiscordCustomStatus,
	)
	setLevel("log_level", &rc.LogLevel, req.LogLevel)
	setLevel("discord_log_level", &rc.DiscordLogLevel, req.DiscordLogLevel)
	setLevel("discordgo_log_level", &rc.DiscordGoLogLevel, req.DiscordGoLogLevel)
	setLevel("database_log_level", &rc.DatabaseLogLevel, req.DatabaseLogLevel)
	setLevel("api_log_level", &rc.APILogLevel, req.APILogLevel)

	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no fields to update"})
		return
	}

	ctx := c.Request.Context()
	if _, err := a.rw.writeDB.Updates(ctx, &rc, updates); err != nil {
		a.logger.Error("error updating runtime config", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	a.rw.setRuntimeConfig(rc)

	if req.DiscordCustomStatus != nil {
		a.rw.discord.updateCustomStatus(ctx, rc.DiscordCustomStatus)
	}

	rc.AdminPassword = ""
	c.JSON(http.StatusOK, rc)
}

func (a *API) pause(c *gin.Context) {
	if err := a.rw.Pause(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (a *API) resume(c *gin.Context) {
	if err := a.rw.Resume(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

func (a *API) quit(c *gin.Context) {
	a.rw.Quit()
	c.JSON(http.StatusOK, gin.H{"status": "shutting down"})
}

func (a *API) registerCommands(c *gin.Context) {
	registered, err := a.rw.discord.registerCommands(c.Request.Context())
	if err != nil {
		a.logger.Error("error registering commands", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	names := make([]string, 0, len(registered))
	for _, cmd := range registered {
		names = append(names, cmd.Name)
	}
	c.JSON(http.StatusOK, gin.H{"commands": names})
}
