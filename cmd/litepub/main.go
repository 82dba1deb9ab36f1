// Command litepub serves a directory of HTML documents as EPUB
// archives over HTTP.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/litepub/server"
)

func main() {
	var (
		configPath = flag.String("config", env("LITEPUB_CONFIG", ""), "path to YAML config file")
		listen     = flag.String("listen", env("LITEPUB_LISTEN", ""), "listen address (overrides config)")
		root       = flag.String("root", env("LITEPUB_ROOT", ""), "content root directory (overrides config)")
		eventsDB   = flag.String("events-db", env("LITEPUB_EVENTS_DB", ""), "SQLite file for conversion events (overrides config)")
		logLevel   = flag.String("log-level", env("LOG_LEVEL", "info"), "debug, info, warn, or error")
		genCert    = flag.Bool("generate-cert", false, "write a self-signed TLS certificate and exit")
		certOut    = flag.String("cert-out", "litepub-cert.pem", "certificate path for -generate-cert")
		keyOut     = flag.String("key-out", "litepub-key.pem", "private key path for -generate-cert")
	)
	flag.Parse()

	// Logging.
	var lvl slog.Level
	switch *logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	if *genCert {
		if err := generateCert(*certOut, *keyOut); err != nil {
			slog.Error("generate certificate", "error", err)
			os.Exit(1)
		}
		slog.Info("certificate written", "cert", *certOut, "key", *keyOut)
		return
	}

	cfg := &server.Config{}
	if *configPath != "" {
		loaded, err := server.LoadConfigFile(*configPath)
		if err != nil {
			slog.Error("load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *root != "" {
		cfg.Root = *root
	}
	if *eventsDB != "" {
		cfg.EventsDB = *eventsDB
	}

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv, err := server.New(cfg)
	if err != nil {
		slog.Error("server setup", "error", err)
		os.Exit(1)
	}
	defer srv.Close()

	if err := srv.Run(ctx); err != nil {
		slog.Error("server", "error", err)
		os.Exit(1)
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
