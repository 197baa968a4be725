package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jobtrail/jobtrail/internal/auth"
	"github.com/jobtrail/jobtrail/internal/classify"
	"github.com/jobtrail/jobtrail/internal/config"
	"github.com/jobtrail/jobtrail/internal/credentials"
	"github.com/jobtrail/jobtrail/internal/model"
	natsjs "github.com/jobtrail/jobtrail/internal/nats"
	"github.com/jobtrail/jobtrail/internal/providers"
	"github.com/jobtrail/jobtrail/internal/providers/gmail"
	"github.com/jobtrail/jobtrail/internal/providers/outlook"
	"github.com/jobtrail/jobtrail/internal/store"
	engine "github.com/jobtrail/jobtrail/internal/sync"
	"github.com/jobtrail/jobtrail/internal/tracker"
)

type RegisterRequest struct {
	Username string `json:"username" binding:"required"`
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type ConnectAccountRequest struct {
	Provider     string `json:"provider" binding:"required"`
	EmailAddress string `json:"email_address" binding:"required"`
	AccessToken  string `json:"access_token" binding:"required"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

type ApplicationRequest struct {
	Company  string `json:"company" binding:"required"`
	Role     string `json:"role" binding:"required"`
	Location string `json:"location"`
	Status   string `json:"status"`
}

type ApplicationPatch struct {
	Company  *string `json:"company"`
	Role     *string `json:"role"`
	Location *string `json:"location"`
	Status   *string `json:"status"`
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Fatal("auth.jwt_secret must be set")
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer st.Close()

	publisher, err := natsjs.NewPublisher(cfg.NATS.URL)
	if err != nil {
		logger.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer publisher.Close()

	creds := credentials.NewManager(st, cfg.Google, cfg.Microsoft, logger)
	mailProviders := map[model.Provider]providers.MailProvider{
		model.ProviderGmail:   gmail.New(creds, logger),
		model.ProviderOutlook: outlook.New(creds, logger),
	}

	classifier := classify.NewClient(cfg.Oracle, logger)
	matcher := tracker.NewMatcher(st, logger)
	orchestrator := engine.NewOrchestrator(st, mailProviders, classifier, matcher, logger,
		cfg.Sync.MaxResults, cfg.StaleAfter())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.NewDispatcher(st, publisher, logger).Run(ctx)

	authService := auth.NewService(st, logger)
	issuer := auth.NewTokenIssuer(cfg.Auth.JWTSecret, time.Duration(cfg.Auth.TokenTTL)*time.Hour)

	r := gin.Default()

	r.POST("/register", func(c *gin.Context) {
		var req RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		user, err := authService.Register(c.Request.Context(), req.Username, req.Email, req.Password)
		if err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				c.JSON(http.StatusConflict, gin.H{"error": "username or email already registered"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusCreated, user)
	})

	r.POST("/login", func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		user, err := authService.Login(c.Request.Context(), req.Username, req.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		token, err := issuer.Issue(user)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
	})

	authorized := r.Group("/")
	authorized.Use(auth.Middleware(issuer))

	authorized.GET("/accounts", func(c *gin.Context) {
		accounts, err := st.ListAccounts(c.Request.Context(), auth.UserID(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, accounts)
	})

	authorized.POST("/accounts", func(c *gin.Context) {
		var req ConnectAccountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		provider := model.Provider(strings.ToLower(req.Provider))
		if _, ok := mailProviders[provider]; !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "provider must be gmail or outlook"})
			return
		}

		acct := &model.Account{
			UserID:       auth.UserID(c),
			Provider:     provider,
			EmailAddress: req.EmailAddress,
			AccessToken:  req.AccessToken,
			RefreshToken: req.RefreshToken,
		}
		if req.ExpiresAt > 0 {
			acct.TokenExpires = time.Unix(req.ExpiresAt, 0).UTC()
		}

		if err := st.CreateAccount(c.Request.Context(), acct); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				c.JSON(http.StatusConflict, gin.H{"error": "mailbox already connected"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, acct)
	})

	authorized.POST("/accounts/:id/sync/initial", func(c *gin.Context) {
		runSync(c, st, orchestrator.TriggerInitialSync)
	})

	authorized.POST("/accounts/:id/sync/incremental", func(c *gin.Context) {
		runSync(c, st, orchestrator.TriggerIncrementalSync)
	})

	authorized.GET("/accounts/:id/sync/status", func(c *gin.Context) {
		accountID, ok := ownedAccount(c, st)
		if !ok {
			return
		}

		status, err := orchestrator.GetSyncStatus(c.Request.Context(), accountID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, status)
	})

	authorized.GET("/applications", func(c *gin.Context) {
		apps, err := st.ListApplications(c.Request.Context(), auth.UserID(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, apps)
	})

	authorized.POST("/applications", func(c *gin.Context) {
		var req ApplicationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		status := model.StatusApplied
		if req.Status != "" {
			var ok bool
			if status, ok = parseStatus(req.Status); !ok {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
				return
			}
		}

		now := time.Now().UTC()
		app := &model.Application{
			UserID:    auth.UserID(c),
			Company:   strings.TrimSpace(req.Company),
			Role:      strings.TrimSpace(req.Role),
			Location:  strings.TrimSpace(req.Location),
			Status:    status,
			Source:    model.SourceManual,
			CreatedAt: now,
			UpdatedAt: now,
		}

		if err := st.CreateApplication(c.Request.Context(), app, tracker.ChangeEvent(now, app, "created", "")); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, app)
	})

	authorized.PATCH("/applications/:id", func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid application id"})
			return
		}

		var req ApplicationPatch
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		app, err := st.GetApplication(c.Request.Context(), auth.UserID(c), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if app == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "application not found"})
			return
		}

		// Manual edits may set any status, including moving backwards.
		if req.Status != nil {
			status, ok := parseStatus(*req.Status)
			if !ok {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
				return
			}
			app.Status = status
		}
		if req.Company != nil {
			app.Company = strings.TrimSpace(*req.Company)
		}
		if req.Role != nil {
			app.Role = strings.TrimSpace(*req.Role)
		}
		if req.Location != nil {
			app.Location = strings.TrimSpace(*req.Location)
		}
		if app.Company == "" || app.Role == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "company and role must not be empty"})
			return
		}
		app.Source = model.SourceManual
		app.UpdatedAt = time.Now().UTC()

		if err := st.UpdateApplication(c.Request.Context(), app, tracker.ChangeEvent(app.UpdatedAt, app, "updated", "")); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, app)
	})

	authorized.DELETE("/applications/:id", func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid application id"})
			return
		}

		deleted, err := st.DeleteApplication(c.Request.Context(), auth.UserID(c), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !deleted {
			c.JSON(http.StatusNotFound, gin.H{"error": "application not found"})
			return
		}
		c.Status(http.StatusNoContent)
	})

	logger.Info("listening", zap.String("port", cfg.Server.Port))
	if err := r.Run(":" + cfg.Server.Port); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

// ownedAccount parses the :id param and checks the account belongs to
// the authenticated user.
func ownedAccount(c *gin.Context, st *store.Store) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return 0, false
	}

	acct, err := st.GetAccount(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return 0, false
	}
	if acct.UserID != auth.UserID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return 0, false
	}
	return id, true
}

func runSync(c *gin.Context, st *store.Store, trigger func(context.Context, int64) (*engine.Result, error)) {
	accountID, ok := ownedAccount(c, st)
	if !ok {
		return
	}

	result, err := trigger(c.Request.Context(), accountID)
	if err != nil {
		if errors.Is(err, engine.ErrAlreadySyncing) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func parseStatus(s string) (model.ApplicationStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "applied":
		return model.StatusApplied, true
	case "interview":
		return model.StatusInterview, true
	case "offer":
		return model.StatusOffer, true
	case "rejected":
		return model.StatusRejected, true
	}
	return "", false
}
