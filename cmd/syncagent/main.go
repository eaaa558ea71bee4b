// Command syncagent runs the order sync core for one signed-in user.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/rickgao/farmlink-sync/internal/config"
	"github.com/rickgao/farmlink-sync/internal/version"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "syncagent:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "syncagent",
		Usage:   "keep orders, chats and notifications in sync with the marketplace",
		Version: version.String(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "configs/syncagent.yaml",
				Usage:   "path to config file",
				EnvVars: []string{"SYNCAGENT_CONFIG"},
			},
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "dotenv files loaded before the config is expanded",
				Value: cli.NewStringSlice(".env"),
			},
		},
		Before: loadEnv,
		Commands: []*cli.Command{
			runCommand(),
			sessionCommand(),
			streamCommand(),
			{
				Name:  "version",
				Usage: "print build information",
				Action: func(c *cli.Context) error {
					fmt.Fprintln(c.App.Writer, version.String())
					return nil
				},
			},
		},
	}
}

// loadEnv loads dotenv files. Missing files are skipped; variables already
// set in the environment win.
func loadEnv(c *cli.Context) error {
	for _, path := range c.StringSlice("env-file") {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

func loadConfig(c *cli.Context) (*config.AgentConfig, error) {
	return config.LoadAndValidate(c.String("config"))
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
