package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"clawgate/internal/auth"
	"clawgate/internal/gateway"
	"clawgate/internal/mqtt"
	"clawgate/internal/store"
)

// version and commit are set at build time via -ldflags "-X main.version=..."
var (
	version = "dev"
	commit  = ""
)

type Config struct {
	Gateway struct {
		Listen string `yaml:"listen"`
		Auth   struct {
			Mode          string `yaml:"mode"` // token|password|trusted-proxy|none
			Token         string `yaml:"token"`
			Password      string `yaml:"password"`
			AllowLoopback bool   `yaml:"allow_loopback"`
		} `yaml:"auth"`
		AllowedOrigins             []string `yaml:"allowed_origins"`
		TrustedProxies             []string `yaml:"trusted_proxies"`
		AllowInsecureUI            bool     `yaml:"allow_insecure_ui"`
		DeviceAuthDisabled         bool     `yaml:"device_auth_disabled"`
		SkipPairingWithShared      bool     `yaml:"skip_pairing_with_shared"`
		AllowLegacyDeviceSignature bool     `yaml:"allow_legacy_device_signature"`
		HandshakeTimeout           string   `yaml:"handshake_timeout"`
		Limits                     struct {
			MaxPayload       int `yaml:"max_payload"`
			MaxBufferedBytes int `yaml:"max_buffered_bytes"`
			TickIntervalMs   int `yaml:"tick_interval_ms"`
		} `yaml:"limits"`
	} `yaml:"gateway"`
	Nodes struct {
		CommandAllowlist map[string][]string `yaml:"command_allowlist"`
	} `yaml:"nodes"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	switch c.Gateway.Auth.Mode {
	case "token", "password", "trusted-proxy", "none":
	default:
		return fmt.Errorf("gateway.auth.mode must be one of token, password, trusted-proxy, none")
	}
	if c.Gateway.HandshakeTimeout != "" {
		if _, err := time.ParseDuration(c.Gateway.HandshakeTimeout); err != nil {
			return fmt.Errorf("gateway.handshake_timeout: %w", err)
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt.enabled is set")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("clawgate starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	events := gateway.NewEventBus(logger)

	handshakeTimeout := time.Duration(0)
	if cfg.Gateway.HandshakeTimeout != "" {
		handshakeTimeout, _ = time.ParseDuration(cfg.Gateway.HandshakeTimeout)
	}

	gw, err := gateway.NewServer(gateway.Config{
		Auth: auth.Config{
			Mode:          cfg.Gateway.Auth.Mode,
			Token:         cfg.Gateway.Auth.Token,
			Password:      cfg.Gateway.Auth.Password,
			AllowLoopback: cfg.Gateway.Auth.AllowLoopback,
		},
		AllowedOrigins:             cfg.Gateway.AllowedOrigins,
		TrustedProxies:             cfg.Gateway.TrustedProxies,
		AllowInsecureUI:            cfg.Gateway.AllowInsecureUI,
		DeviceAuthDisabled:         cfg.Gateway.DeviceAuthDisabled,
		SkipPairingWithShared:      cfg.Gateway.SkipPairingWithShared,
		AllowLegacyDeviceSignature: cfg.Gateway.AllowLegacyDeviceSignature,
		HandshakeTimeout:           handshakeTimeout,
		MaxPayload:                 cfg.Gateway.Limits.MaxPayload,
		MaxBufferedBytes:           cfg.Gateway.Limits.MaxBufferedBytes,
		TickIntervalMs:             cfg.Gateway.Limits.TickIntervalMs,
		NodeCommandAllowlist:       cfg.Nodes.CommandAllowlist,
	}, db, events, logger, gateway.WithVersion(version, commit))
	if err != nil {
		logger.Error("create gateway", "err", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:         cfg.Gateway.Listen,
		Handler:      gw,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket connections stay open
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("gateway listening", "addr", cfg.Gateway.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Stale pending pairing requests expire after a day.
	pruneDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-pruneDone:
				return
			case <-ticker.C:
				if n, err := db.PrunePairingRequests(time.Now().Add(-24 * time.Hour)); err != nil {
					logger.Warn("prune pairing requests", "err", err)
				} else if n > 0 {
					logger.Info("pruned stale pairing requests", "count", n)
				}
			}
		}
	}()

	var mirror *mqtt.Mirror
	if cfg.MQTT.Enabled {
		mirror, err = mqtt.NewMirror(events, mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, logger)
		if err != nil {
			logger.Error("connect mqtt mirror", "err", err)
			os.Exit(1)
		}
		mirror.Start()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	close(pruneDone)
	if mirror != nil {
		mirror.Stop()
	}
	gw.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}

	logger.Info("goodbye")
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Gateway.Listen == "" {
		cfg.Gateway.Listen = "127.0.0.1:18789"
	}
	if cfg.Gateway.Auth.Mode == "" {
		cfg.Gateway.Auth.Mode = "none"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "clawgate.db"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "clawgate"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
