package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/smsbridge/smsbridge/internal/config"
	"github.com/smsbridge/smsbridge/internal/contacts"
	"github.com/smsbridge/smsbridge/internal/logging"
	"github.com/smsbridge/smsbridge/internal/queue"
	"github.com/smsbridge/smsbridge/internal/registry"
	"github.com/smsbridge/smsbridge/internal/server"
	"github.com/smsbridge/smsbridge/internal/storage"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, cfg.Database.Path)
	if err != nil {
		logger.Fatal("open database", zap.Error(err), zap.String("path", cfg.Database.Path))
	}
	defer db.Close()
	logger.Info("database ready", zap.String("path", cfg.Database.Path))

	srv := server.New(cfg, logger, server.Deps{
		Registry: registry.New(registry.WithLogger(logger)),
		Contacts: contacts.NewSQLStore(db, logger),
		Queue:    queue.NewSQLQueue(db, queue.WithLogger(logger)),
		Version:  version,
	})

	if err := srv.Start(ctx); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}
