package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dzianisv/opencode/internal/config"
	"github.com/dzianisv/opencode/internal/logging"
	"github.com/dzianisv/opencode/internal/mcp"
	"github.com/dzianisv/opencode/internal/permission"
	"github.com/dzianisv/opencode/internal/provider"
	"github.com/dzianisv/opencode/internal/server"
	"github.com/dzianisv/opencode/internal/session"
	"github.com/dzianisv/opencode/internal/storage"
	"github.com/dzianisv/opencode/internal/tool"
	"github.com/dzianisv/opencode/internal/vcs"
)

var (
	servePort     int
	serveHostname string
	serveDir      string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start headless OpenCode server",
	Long: `Start OpenCode as a headless server that exposes an HTTP API.

This is useful for integrating OpenCode with other tools or running
it in a server environment.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "127.0.0.1", "Hostname to listen on")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}
	log := logging.Logger.With().Str("component", "serve").Logger()
	log.Info().Str("version", Version).Str("directory", workDir).Msg("starting server")

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}
	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	store := storage.New(paths.StoragePath())
	providers, err := provider.InitializeProviders(ctx, appConfig)
	if err != nil {
		log.Warn().Err(err).Msg("some providers failed to initialize")
	}

	tools := tool.DefaultRegistry(workDir, store)
	var mcpClient *mcp.Client
	if len(appConfig.MCP) > 0 {
		mcpClient = mcp.NewClient()
		mcpClient.AddConfigured(ctx, appConfig.MCP)
		mcp.RegisterTools(mcpClient, tools)
		defer mcpClient.Close()
	}

	checker := permission.NewChecker()
	sessions := session.NewService(appConfig, store, providers, tools, checker)
	sessions.SetSnapshotDir(paths.SnapshotPath())

	// Branch changes in the working directory show up on the event
	// stream for connected clients.
	watcher, err := vcs.NewWatcher(workDir)
	if err != nil {
		log.Warn().Err(err).Msg("vcs watcher unavailable")
	}
	if watcher != nil {
		watcher.Start()
		defer watcher.Stop()
	}

	serverConfig := server.DefaultConfig()
	serverConfig.Hostname = serveHostname
	serverConfig.Port = servePort
	serverConfig.Directory = workDir

	srv := server.New(serverConfig, appConfig, store, sessions, providers, checker, mcpClient)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("hostname", serveHostname).Int("port", servePort).Msg("listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown failed")
		return err
	}
	log.Info().Msg("server stopped")
	return nil
}
