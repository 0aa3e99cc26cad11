package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"chatrelay/internal/attachment"
	"chatrelay/internal/config"
	"chatrelay/internal/launcher"
	"chatrelay/internal/logging"
	"chatrelay/internal/realtime"
	"chatrelay/internal/session"
	"chatrelay/internal/transcript"
	"chatrelay/internal/workspace"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to chatrelay config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides config)")
	return cmd
}

func runServe(configPath string, port int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ws, err := workspace.New(cfg.Workspace.Path, logger)
	if err != nil {
		return err
	}
	defer ws.Close()

	agent := launcher.New(launcher.Config{
		Command:     cfg.Agent.Command,
		PromptFlag:  cfg.Agent.PromptFlag,
		ModelFlag:   cfg.Agent.ModelFlag,
		ResumeFlag:  cfg.Agent.ResumeFlag,
		StreamArgs:  cfg.Agent.StreamArgs,
		ExtraArgs:   cfg.Agent.ExtraArgs,
		Env:         cfg.Agent.Env,
		UseShell:    cfg.Agent.UseShell,
		GracePeriod: cfg.Agent.GracePeriod(),
	}, logger)

	reg := newRegistry(cfg)
	deps := session.Deps{
		Starter:     agent,
		Workspace:   ws,
		Models:      reg,
		Attachments: attachment.NewDirResolver(cfg.Uploads.Dir, logger),
		Resume:      agent.ResumeSupported(),
		Logger:      logger,
	}
	rtOpts := realtime.Options{
		Workspace: ws,
		Models:    reg,
		Logger:    logger,
	}

	if cfg.Transcript.Path != "" {
		store, err := transcript.Open(cfg.Transcript.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		deps.Recorder = store
		rtOpts.Transcript = store
	}

	if info, err := os.Stat(cfg.Server.StaticDir); err == nil && info.IsDir() {
		rtOpts.StaticDir = cfg.Server.StaticDir
	} else {
		logger.Warn("static dir unavailable, serving API only", zap.String("static_dir", cfg.Server.StaticDir))
	}

	sessMgr := session.NewManager(cfg.Server.MaxSessions, deps)
	rtOpts.Sessions = sessMgr
	rtServer := realtime.New(rtOpts)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: rtServer.Handler(),
	}

	// Graceful shutdown on signals.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		sig := <-sigCh
		logger.Info("shutting down", zap.String("signal", sig.String()))
		sessMgr.Shutdown()
		httpServer.Close()
	}()

	logger.Info("chatrelay server running",
		zap.String("url", fmt.Sprintf("http://localhost:%d", cfg.Server.Port)),
		zap.String("agent", cfg.Agent.Command),
		zap.String("workspace", ws.Current()),
		zap.String("version", Version))
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		sessMgr.Shutdown()
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
