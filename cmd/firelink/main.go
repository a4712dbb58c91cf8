package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"firelink/internal/ble"
	"firelink/internal/command"
	"firelink/internal/provision"
	"firelink/internal/registry"
	"firelink/internal/seriallink"
	"firelink/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Transport string `yaml:"transport"` // "ble" or "serial"
	Serial    struct {
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"serial"`
	Provision struct {
		ScanWindow        string `yaml:"scan_window"`
		ConnectTimeout    string `yaml:"connect_timeout"`
		WifiScanSettle    string `yaml:"wifi_scan_settle"`
		WifiResultTimeout string `yaml:"wifi_result_timeout"`
	} `yaml:"provision"`
	MQTT struct {
		Broker     string `yaml:"broker"`
		Username   string `yaml:"username"`
		Password   string `yaml:"password"`
		Namespace  string `yaml:"namespace"`
		AckTimeout string `yaml:"ack_timeout"`
	} `yaml:"mqtt"`
	Registry struct {
		Path string `yaml:"path"`
	} `yaml:"registry"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	switch c.Transport {
	case "ble", "serial":
	default:
		return fmt.Errorf("transport must be \"ble\" or \"serial\", got %q", c.Transport)
	}
	if c.Transport == "serial" && c.Serial.Port == "" {
		return fmt.Errorf("serial.port is required for serial transport")
	}
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
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

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("firelink starting", "version", version, "transport", cfg.Transport)

	// Open registry
	store, err := registry.NewBoltStore(cfg.Registry.Path)
	if err != nil {
		logger.Error("open registry", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	// Create provisioning transport based on config
	adapter, err := createAdapter(cfg, logger)
	if err != nil {
		logger.Error("create transport", "err", err)
		os.Exit(1)
	}

	engine := provision.NewEngine(adapter, provision.Config{
		ScanWindow:        parseDuration(cfg.Provision.ScanWindow, logger),
		ConnectTimeout:    parseDuration(cfg.Provision.ConnectTimeout, logger),
		WifiScanSettle:    parseDuration(cfg.Provision.WifiScanSettle, logger),
		WifiResultTimeout: parseDuration(cfg.Provision.WifiResultTimeout, logger),
	}, logger)
	defer engine.Dispose()

	// Record each provisioned Gateway in the registry.
	unsub := engine.Events().Subscribe(func(event provision.Event) {
		done, ok := event.(provision.Provisioned)
		if !ok {
			return
		}
		now := time.Now()
		gw := &registry.Gateway{
			ID:            done.Gateway,
			PeripheralID:  done.PeripheralID,
			SSID:          done.SSID,
			ProvisionedAt: now,
			LastSeen:      now,
		}
		if gw.ID == "" {
			gw.ID = gw.PeripheralID
		}
		if err := store.SaveGateway(gw); err != nil {
			logger.Error("record provisioned gateway", "err", err, "id", gw.ID)
			return
		}
		logger.Info("gateway registered", "id", gw.ID, "ssid", gw.SSID)
	})
	defer unsub()

	commander := command.New(command.Config{
		Broker:     cfg.MQTT.Broker,
		Username:   cfg.MQTT.Username,
		Password:   cfg.MQTT.Password,
		Namespace:  cfg.MQTT.Namespace,
		AckTimeout: parseDuration(cfg.MQTT.AckTimeout, logger),
	}, logger)

	// Start web server
	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}

	webServer := web.NewServer(engine, commander, store, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	engine.Dispose()

	logger.Info("goodbye")
}

func createAdapter(cfg *Config, logger *slog.Logger) (ble.Adapter, error) {
	switch cfg.Transport {
	case "serial":
		logger.Info("using serial service-port transport", "port", cfg.Serial.Port, "baud", cfg.Serial.Baud)
		return seriallink.New(cfg.Serial.Port, cfg.Serial.Baud, logger), nil
	default:
		return newBLEAdapter(logger)
	}
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
	if cfg.Transport == "" {
		cfg.Transport = "ble"
	}
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = 115200
	}
	if cfg.Registry.Path == "" {
		cfg.Registry.Path = "firelink.db"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8090"
	}
	if cfg.MQTT.Namespace == "" {
		cfg.MQTT.Namespace = command.DefaultNamespace
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

// parseDuration converts an optional config duration; empty or invalid
// strings fall back to the package defaults (zero value).
func parseDuration(s string, logger *slog.Logger) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		logger.Warn("invalid duration in config, using default", "value", s)
		return 0
	}
	return d
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
