// courier is a terminal client for delivery drivers and shops. It keeps a
// live notification list in sync with the dispatch server over a
// WebSocket channel and the REST API.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/nhle/courier/internal/app"
	"github.com/nhle/courier/internal/credential"
	"github.com/nhle/courier/internal/model"
	"github.com/nhle/courier/internal/store"
	appsync "github.com/nhle/courier/internal/sync"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flagSet := pflag.NewFlagSet("courier", pflag.ContinueOnError)
	configPath := flagSet.String("config", model.DefaultConfigPath(), "path to the YAML config file")
	flagSet.String("server", "", "REST base URL of the dispatch server")
	flagSet.String("role", "", "account type for the login form (driver or shop)")
	flagSet.String("log-level", "", "log level (debug, info, warn, error)")
	flagSet.String("log-file", "", "write logs to this file")
	flagSet.String("db", "", "path to the local state database")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	v := model.NewViper(*configPath)
	bindings := map[string]string{
		"server":    "server.base_url",
		"role":      "account.role",
		"log-level": "log.level",
		"log-file":  "log.file",
		"db":        "storage.db_path",
	}
	for flag, key := range bindings {
		if err := v.BindPFlag(key, flagSet.Lookup(flag)); err != nil {
			return fmt.Errorf("binding --%s: %w", flag, err)
		}
	}

	cfg, err := model.Decode(v)
	if err != nil {
		return err
	}

	logger, closeLog, err := openLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	db, err := store.NewSQLiteStore(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	ring, err := credential.OpenKeyring(filepath.Join(filepath.Dir(cfg.Storage.DBPath), "credentials"))
	if err != nil {
		return err
	}

	client, err := appsync.New(appsync.Options{
		Config: cfg,
		Store:  db,
		Vault:  credential.NewVault(ring),
		Chime:  &appsync.BellChime{W: os.Stderr},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	root := app.New(app.Options{
		Service:  client,
		Username: cfg.Account.Username,
		Role:     model.Role(cfg.Account.Role),
		Remember: func(username string, role model.Role) error {
			cfg.Account.Username = username
			cfg.Account.Role = string(role)
			if err := model.SaveConfig(*configPath, cfg); err != nil {
				logger.Warn("saving account to config", "error", err)
				return err
			}
			return nil
		},
	})

	logger.Info("starting", "server", cfg.Server.BaseURL, "db", cfg.Storage.DBPath)
	_, err = tea.NewProgram(root, tea.WithAltScreen()).Run()
	return err
}

// openLogger writes text logs to the configured file. The terminal belongs
// to the UI, so nothing is logged to stderr.
func openLogger(cfg model.LogConfig) (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, fmt.Errorf("log.level: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}))
	return logger, func() { _ = f.Close() }, nil
}
