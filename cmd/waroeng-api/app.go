package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/waroeng/backend/internal/accounts"
	"github.com/MarcoPoloResearchLab/waroeng/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/waroeng/backend/internal/catalog"
	"github.com/MarcoPoloResearchLab/waroeng/backend/internal/config"
	"github.com/MarcoPoloResearchLab/waroeng/backend/internal/database"
	"github.com/MarcoPoloResearchLab/waroeng/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/waroeng/backend/internal/obs"
	"github.com/MarcoPoloResearchLab/waroeng/backend/internal/server"
	"github.com/MarcoPoloResearchLab/waroeng/backend/internal/uploads"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	sessionIssuer   = "waroeng-api"
	sessionAudience = "waroeng-app"
	shutdownTimeout = 10 * time.Second
)

var googleIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

// application holds the long-lived components shared by the serve and maintenance commands.
type application struct {
	config   config.AppConfig
	logger   *zap.Logger
	db       *gorm.DB
	accounts *accounts.Service
}

// openDatabase is replaced in tests to observe the handle owned by the application.
var openDatabase = database.Open

func newApplication() (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	return buildApplication(appConfig)
}

func buildApplication(appConfig config.AppConfig) (*application, error) {
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.Development)
	if err != nil {
		return nil, err
	}

	db, err := openDatabase(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	app := &application{config: appConfig, logger: logger, db: db}

	store, err := accounts.NewGormStore(db)
	if err != nil {
		app.close()
		return nil, err
	}
	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        sessionIssuer,
		Audience:      sessionAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		app.close()
		return nil, err
	}
	app.accounts, err = accounts.NewService(accounts.ServiceConfig{
		Store: store,
		Hasher: auth.NewPasswordHasher(auth.PasswordHasherConfig{
			Concurrency: appConfig.HashConcurrency,
		}),
		Sessions:          tokenIssuer,
		AdminEmails:       appConfig.AdminEmails,
		MinPasswordLength: appConfig.MinPasswordLength,
		Logger:            logger,
	})
	if err != nil {
		app.close()
		return nil, err
	}
	return app, nil
}

func (a *application) close() {
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = a.logger.Sync()
}

func runServer(ctx context.Context) error {
	app, err := newApplication()
	if err != nil {
		return err
	}
	defer app.close()
	appConfig := app.config
	logger := app.logger

	dispatcher := server.NewRealtimeDispatcher()
	catalogService, err := catalog.NewService(catalog.ServiceConfig{
		Database:  app.db,
		Clock:     time.Now,
		Publisher: dispatcher,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	storage, err := uploads.NewStorage(uploads.Config{
		Directory: appConfig.UploadsDir,
		MaxBytes:  appConfig.UploadsMaxBytes,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	stateCodec, err := auth.NewOAuthStateCodec([]byte(appConfig.SigningSecret), nil)
	if err != nil {
		return err
	}
	metrics := obs.NewMetrics()
	metrics.SetBuildInfo(version, commit)

	deps := server.Dependencies{
		Accounts:       app.accounts,
		Catalog:        catalogService,
		Uploads:        storage,
		OAuthState:     stateCodec,
		Realtime:       dispatcher,
		Metrics:        metrics,
		FrontendURL:    appConfig.FrontendURL,
		AuthPerMinute:  appConfig.AuthPerMinute,
		TrustedProxies: appConfig.TrustedProxies,
		Development:    appConfig.Development,
		Logger:         logger,
	}

	if appConfig.GoogleEnabled() {
		provider, err := auth.NewGoogleProvider(auth.GoogleProviderConfig{
			ClientID:     appConfig.GoogleClientID,
			ClientSecret: appConfig.GoogleClientSecret,
			RedirectURL:  appConfig.GoogleRedirectURL,
			Timeout:      appConfig.GoogleTimeout,
			Logger:       logger,
		})
		if err != nil {
			return err
		}
		deps.GoogleProvider = provider
	} else {
		logger.Warn("google oauth flow disabled: client id, secret or redirect url missing")
	}
	if appConfig.GoogleClientID != "" {
		verifier, err := auth.NewGoogleVerifier(auth.GoogleVerifierConfig{
			Audience:       appConfig.GoogleClientID,
			JWKSURL:        appConfig.GoogleJWKSURL,
			AllowedIssuers: googleIssuers,
			HTTPClient:     &http.Client{Timeout: appConfig.GoogleTimeout},
			Logger:         logger,
		})
		if err != nil {
			return err
		}
		deps.GoogleVerifier = verifier
	}

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Request contexts derive from signalCtx so open event streams end on shutdown.
	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return signalCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("database_driver", appConfig.DatabaseDriver),
			zap.Bool("development", appConfig.Development),
		)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runRehash(ctx context.Context) error {
	app, err := newApplication()
	if err != nil {
		return err
	}
	defer app.close()

	updated, err := app.accounts.RehashLegacyPasswords(ctx)
	if err != nil {
		app.logger.Error("password rehash failed", zap.Int("updated", updated), zap.Error(err))
		return err
	}
	app.logger.Info("password rehash complete", zap.Int("updated", updated))
	return nil
}
