package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"iptablesd/internal/auth"
	"iptablesd/internal/database"
	"iptablesd/internal/handlers"
	"iptablesd/internal/services"
	"iptablesd/pkg/iptables"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the JSON API server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger.Info("Starting iptablesd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
	)

	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	db, err := database.New(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	ctx, cancel := commandContext()
	defer cancel()

	v4, err := newBinding(ctx, iptables.ProtocolIPv4)
	if err != nil {
		return err
	}
	var v6 *iptables.IPTables
	if cfg.IPTables.EnableIPv6 {
		v6, err = newBinding(ctx, iptables.ProtocolIPv6)
		if err != nil {
			logger.Warn("IPv6 disabled", zap.Error(err))
			v6 = nil
		}
	}

	userService := auth.NewUserService(db)
	sessionManager := auth.NewSessionManager(cfg.Server.SessionSecret, cfg.Server.SessionMaxAge, cfg.Server.SecureCookies)
	interfaceService := services.NewInterfaceService()
	firewallService := services.NewFirewallService(cfg.ConfigDir, v4, v6, interfaceService, logger)
	snapshotService := services.NewSnapshotService(db, firewallService, logger)
	persistService := services.NewPersistService(cfg.ConfigDir)

	if err := userService.EnsureDefaultAdmin(cfg.Auth.DefaultAdmin, cfg.Auth.DefaultPassword); err != nil {
		logger.Warn("Failed to create default admin", zap.Error(err))
	}

	if cfg.IPTables.RestoreOnStart {
		if err := persistService.RestoreAll(ctx, firewallService); err != nil {
			logger.Warn("Failed to restore saved rules", zap.Error(err))
		}
	}

	router := handlers.NewRouter(handlers.Deps{
		Sessions:   sessionManager,
		Users:      userService,
		Firewall:   firewallService,
		Snapshots:  snapshotService,
		Interfaces: interfaceService,
		Persist:    persistService,
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("Shutdown signal received")
	case err := <-errChan:
		logger.Error("Server error", zap.Error(err))
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("Shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
		return err
	}

	logger.Info("Server stopped")
	return nil
}
