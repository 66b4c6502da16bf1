package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mikeyg42/videolify/internal/api"
	"github.com/mikeyg42/videolify/internal/auth"
	"github.com/mikeyg42/videolify/internal/config"
	"github.com/mikeyg42/videolify/internal/database"
	"github.com/mikeyg42/videolify/internal/registry"
	"github.com/mikeyg42/videolify/internal/signaling"
	"github.com/mikeyg42/videolify/internal/turnserver"
)

var serveFlags struct {
	addr         string
	initiator    string
	adminToken   string
	turn         bool
	turnPort     int
	turnPublicIP string
	turnSecret   string
	dbDriver     string
	dbPath       string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling relay, HTTP API and optional TURN relay",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveFlags.addr, "addr", "", "listen address (host:port)")
	f.StringVar(&serveFlags.initiator, "initiator", "", "initiator rule: peer-id or join-order")
	f.StringVar(&serveFlags.adminToken, "admin-token", "", "bearer token for the admin RPC endpoint")
	f.BoolVar(&serveFlags.turn, "turn", false, "run the embedded TURN relay")
	f.IntVar(&serveFlags.turnPort, "turn-port", 0, "TURN UDP port")
	f.StringVar(&serveFlags.turnPublicIP, "turn-public-ip", "", "address advertised in TURN relay candidates")
	f.StringVar(&serveFlags.turnSecret, "turn-secret", "", "shared secret for TURN credentials")
	f.StringVar(&serveFlags.dbDriver, "db-driver", "", "attendance store: postgres, sqlite or empty for none")
	f.StringVar(&serveFlags.dbPath, "db-path", "", "sqlite database file")
}

// applyServeFlags copies the flags that were set onto cfg.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("addr") {
		cfg.Server.Addr = serveFlags.addr
	}
	if f.Changed("initiator") {
		cfg.Server.InitiatorRule = serveFlags.initiator
	}
	if f.Changed("admin-token") {
		cfg.Server.AdminToken = serveFlags.adminToken
	}
	if f.Changed("turn") {
		cfg.TURN.Enabled = serveFlags.turn
	}
	if f.Changed("turn-port") {
		cfg.TURN.Port = serveFlags.turnPort
	}
	if f.Changed("turn-public-ip") {
		cfg.TURN.PublicIP = serveFlags.turnPublicIP
	}
	if f.Changed("turn-secret") {
		cfg.TURN.Secret = serveFlags.turnSecret
	}
	if f.Changed("db-driver") {
		cfg.Database.Driver = serveFlags.dbDriver
	}
	if f.Changed("db-path") {
		cfg.Database.Path = serveFlags.dbPath
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyServeFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, restore, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer restore()
	defer logger.Sync() //nolint:errcheck

	ctx := cmd.Context()

	initiator, err := registry.InitiatorRule(cfg.Server.InitiatorRule)
	if err != nil {
		return err
	}
	hub := signaling.NewHub(registry.New(initiator, logger), signaling.Options{
		HeartbeatTimeout: cfg.Server.HeartbeatTimeout,
		WriteWait:        cfg.Server.WriteWait,
		MaxMessageSize:   cfg.Server.MaxMessageSize,
		MessageRate:      cfg.Server.MessageRate,
		MessageBurst:     cfg.Server.MessageBurst,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
	}, logger)

	var booking database.LeaveReporter
	if cfg.Auth.AuthorizeURL != "" {
		client := auth.NewClient(ctx, auth.Config{
			AuthorizeURL: cfg.Auth.AuthorizeURL,
			LeaveURL:     cfg.Auth.LeaveURL,
			TokenURL:     cfg.Auth.TokenURL,
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			Timeout:      cfg.Auth.Timeout,
		}, logger)
		hub.SetAuthorizer(client)
		if cfg.Auth.LeaveURL != "" {
			booking = client
		}
		logger.Info("join authorization enabled", zap.String("url", cfg.Auth.AuthorizeURL))
	}

	deps := api.Deps{Hub: hub}
	if cfg.Database.Driver != "" {
		store, err := database.Open(ctx, database.Config{
			Driver:          cfg.Database.Driver,
			DSN:             cfg.Database.DSN(),
			MaxConnections:  cfg.Database.MaxConnections,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, logger)
		if err != nil {
			return fmt.Errorf("open attendance store: %w", err)
		}
		defer store.Close()
		deps.Attendance = store
		hub.SetObserver(database.NewCallRecorder(store, booking, logger))
	} else {
		hub.SetObserver(database.NewCallRecorder(nil, booking, logger))
	}

	if cfg.TURN.Enabled {
		turn := turnserver.New(turnserver.FromConfig(cfg.TURN), logger)
		if err := turn.Start(ctx); err != nil {
			return fmt.Errorf("start TURN relay: %w", err)
		}
		defer turn.Stop() //nolint:errcheck
		deps.TURN = turn
	}

	server := api.NewServer(cfg, deps, logger)
	server.StartInBackground()
	logger.Info("videolify relay running",
		zap.String("addr", cfg.Server.Addr),
		zap.String("initiator", cfg.Server.InitiatorRule),
		zap.Bool("turn", cfg.TURN.Enabled),
		zap.String("database", cfg.Database.Driver))

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return nil
}
