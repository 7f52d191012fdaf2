// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zereight/gitlab-mcp-sub003/pkg/authserver"
	"github.com/zereight/gitlab-mcp-sub003/pkg/authserver/handlers"
	"github.com/zereight/gitlab-mcp-sub003/pkg/authserver/session"
	"github.com/zereight/gitlab-mcp-sub003/pkg/authserver/storage"
	"github.com/zereight/gitlab-mcp-sub003/pkg/gitlab"
	"github.com/zereight/gitlab-mcp-sub003/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authorization gateway",
	Long: `Start the gateway's HTTP server: the OAuth authorization endpoints,
token endpoint, dynamic client registration, and discovery documents.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverRequestTimeout   = 30 * time.Second // Device-flow HTML and upstream round trips fit well inside this
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 35 * time.Second // Must exceed serverRequestTimeout so the timeout middleware answers first
	serverIdleTimeout      = 60 * time.Second
)

func init() {
	serveCmd.Flags().String("address", ":8080", "Address to listen on")
	serveCmd.Flags().String("issuer", "", "Issuer URL this gateway is reachable at (e.g. https://gateway.example.com)")
	serveCmd.Flags().String("gitlab-url", "https://gitlab.com", "Base URL of the upstream GitLab instance")
	serveCmd.Flags().String("gitlab-client-id", "", "OAuth application ID registered on the GitLab instance")
	serveCmd.Flags().String("gitlab-client-secret", "", "OAuth application secret (prefer GITLAB_MCP_GITLAB_CLIENT_SECRET)")
	serveCmd.Flags().StringSlice("gitlab-scopes", []string{"api"}, "OAuth scopes requested from GitLab")
	serveCmd.Flags().String("signing-secret", "", "Gateway token signing secret, at least 32 bytes (prefer GITLAB_MCP_SIGNING_SECRET)")
	serveCmd.Flags().String("storage", "memory", "Session storage backend: memory, file, or sqlite")
	serveCmd.Flags().String("storage-path", "", "Snapshot file (file backend) or DSN (sqlite backend)")

	for _, flag := range []string{
		"address", "issuer",
		"gitlab-url", "gitlab-client-id", "gitlab-client-secret", "gitlab-scopes",
		"signing-secret", "storage", "storage-path",
	} {
		if err := viper.BindPFlag(flag, serveCmd.Flags().Lookup(flag)); err != nil {
			logger.Fatalf("Failed to bind %s flag: %v", flag, err)
		}
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	config := &authserver.Config{
		Issuer:        viper.GetString("issuer"),
		SigningSecret: []byte(viper.GetString("signing-secret")),
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	clientID := viper.GetString("gitlab-client-id")
	if clientID == "" {
		return fmt.Errorf("gitlab-client-id is required")
	}

	provider, err := gitlab.NewClient(
		viper.GetString("gitlab-url"),
		clientID,
		gitlab.WithClientSecret(viper.GetString("gitlab-client-secret")),
		gitlab.WithScopes(viper.GetStringSlice("gitlab-scopes")),
	)
	if err != nil {
		return fmt.Errorf("failed to create gitlab client: %w", err)
	}

	backend, err := storage.NewBackend(storage.Config{
		Type: storage.BackendType(viper.GetString("storage")),
		Path: viper.GetString("storage-path"),
	})
	if err != nil {
		return fmt.Errorf("failed to create storage backend: %w", err)
	}

	store := session.NewStore(backend)
	if err := store.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session store: %w", err)
	}
	defer func() {
		if err := store.Stop(); err != nil {
			logger.Errorf("Failed to stop session store: %v", err)
		}
	}()

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Timeout(serverRequestTimeout),
	)
	router.Mount("/", handlers.NewHandler(config, store, provider).Routes())

	address := viper.GetString("address")
	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		logger.Infow("gateway listening",
			"address", address,
			"issuer", config.Issuer,
			"gitlab_url", provider.BaseURL(),
			"storage", viper.GetString("storage"))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
		return err
	}

	logger.Info("Server shutdown complete")
	return nil
}
