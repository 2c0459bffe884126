package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sysmanage/sysmanage-server/internal/agentfleet/api"
	"github.com/sysmanage/sysmanage-server/internal/agentfleet/ca"
	"github.com/sysmanage/sysmanage-server/internal/agentfleet/conn"
	"github.com/sysmanage/sysmanage-server/internal/agentfleet/dispatch"
	"github.com/sysmanage/sysmanage-server/internal/agentfleet/license"
	"github.com/sysmanage/sysmanage-server/internal/agentfleet/migrate"
	"github.com/sysmanage/sysmanage-server/internal/agentfleet/queue"
	"github.com/sysmanage/sysmanage-server/internal/agentfleet/reboot"
	"github.com/sysmanage/sysmanage-server/internal/agentfleet/router"
	"github.com/sysmanage/sysmanage-server/internal/agentfleet/store"
	"github.com/sysmanage/sysmanage-server/internal/auth"
	"github.com/sysmanage/sysmanage-server/internal/clock"
	"github.com/sysmanage/sysmanage-server/internal/config"
	"github.com/sysmanage/sysmanage-server/internal/logging"
	boltstore "github.com/sysmanage/sysmanage-server/internal/store"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogJSON)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("sysmanaged exited with error", "error", err)
	}
}

// seedInitialOperator creates the first admin account from
// SYSMANAGE_INITIAL_ADMIN_USERNAME/SYSMANAGE_INITIAL_ADMIN_PASSWORD so the
// operator API is reachable on a fresh install. No-ops once any user exists.
func seedInitialOperator(authDB *boltstore.Store, cfg *config.Config, log *logging.Logger) error {
	if cfg.InitialAdminPassword == "" {
		log.Warn("SYSMANAGE_INITIAL_ADMIN_PASSWORD not set, skipping initial operator seed")
		return nil
	}

	userID, err := auth.GenerateUserID()
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword(cfg.InitialAdminPassword)
	if err != nil {
		return err
	}

	err = authDB.CreateFirstUser(auth.User{
		ID:           userID,
		Username:     cfg.InitialAdminUsername,
		PasswordHash: hash,
		RoleID:       auth.RoleAdminID,
	})
	if errors.Is(err, auth.ErrUsersExist) {
		return nil
	}
	if err != nil {
		return err
	}
	log.Info("seeded initial admin operator", "username", cfg.InitialAdminUsername)
	return nil
}

func run(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	log.Info("starting sysmanaged", "http_addr", cfg.HTTPAddr, "agent_addr", cfg.AgentAddr)

	if cfg.LicenseKey != "" {
		result := license.Validate(cfg.LicenseKey, cfg.LicensePublicKeyPEM)
		if !result.Valid {
			log.Warn("license invalid, running with community defaults", "error", result.Error)
		} else {
			log.Info("license validated", "tier", result.Payload.Tier, "warning", result.Warning)
		}
	} else {
		log.Info("no license key configured, running with community defaults")
	}

	if err := migrate.Up(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return err
	}
	log.Info("database migrations applied")

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	authDB, err := boltstore.Open(cfg.BoltPath)
	if err != nil {
		return err
	}
	defer authDB.Close()
	if err := authDB.EnsureAuthBuckets(); err != nil {
		return err
	}
	if err := authDB.SeedBuiltinRoles(); err != nil {
		return err
	}
	if err := seedInitialOperator(authDB, cfg, log); err != nil {
		return err
	}

	authSvc := auth.NewService(auth.ServiceConfig{
		Users:         authDB,
		Sessions:      authDB,
		Roles:         authDB,
		Tokens:        authDB,
		Settings:      authDB,
		Log:           log.Logger,
		CookieSecure:  true,
		SessionExpiry: 24 * time.Hour,
	})

	clk := clock.Real{}
	fleetStore := store.New(pool)
	q := queue.New(fleetStore, clk, log)
	hub := conn.New(fleetStore, log)
	rebootEngine := reboot.New(fleetStore, q, clk, log)
	rt := router.New(fleetStore, q, hub, rebootEngine, clk, log)
	dispatchLoop := dispatch.New(q, hub, clk, log)

	agentCA, serverCertPEM, serverKeyPEM, err := ca.EnsureServerCert(cfg.CertDir, cfg.ServerHost)
	if err != nil {
		return err
	}
	serverCert, err := tls.X509KeyPair(serverCertPEM, serverKeyPEM)
	if err != nil {
		return err
	}

	operatorSrv := api.New(fleetStore, q, authSvc, log)
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      operatorSrv.Router,
		ReadTimeout:  cfg.HandlerDeadline,
		WriteTimeout: cfg.HandlerDeadline,
	}

	agent := &agentServer{ca: agentCA, hub: hub, router: rt, log: log}
	agentMux := http.NewServeMux()
	agentMux.HandleFunc("/", agent.handleConnect)
	agentHTTPServer := &http.Server{
		Addr:    cfg.AgentAddr,
		Handler: agentMux,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{serverCert},
			ClientAuth:   tls.RequireAnyClientCert,
		},
		IdleTimeout: cfg.WSIdleTimeout,
	}

	go hub.Run(ctx.Done())
	go dispatchLoop.Run(ctx)

	errCh := make(chan error, 2)
	go func() {
		log.Info("operator API listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		log.Info("agent WebSocket listener starting", "addr", cfg.AgentAddr)
		if err := agentHTTPServer.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.Error("server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = agentHTTPServer.Shutdown(shutdownCtx)
	return nil
}
