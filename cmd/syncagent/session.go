package main

import (
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/rickgao/farmlink-sync/internal/cache"
	"github.com/rickgao/farmlink-sync/internal/model"
	"github.com/rickgao/farmlink-sync/internal/session"
)

func sessionCommand() *cli.Command {
	return &cli.Command{
		Name:  "session",
		Usage: "inspect or replace the cached session",
		Subcommands: []*cli.Command{
			{
				Name:   "show",
				Usage:  "print the cached user and location",
				Action: withSessions(showSession),
			},
			{
				Name:  "login",
				Usage: "cache a bearer token; the user id is read from its claims",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "token",
						Usage:    "bearer token issued by the marketplace",
						EnvVars:  []string{"SYNCAGENT_TOKEN"},
						Required: true,
					},
					&cli.StringFlag{
						Name:  "user",
						Usage: "user id, when the token carries none",
					},
				},
				Action: withSessions(login),
			},
			{
				Name:   "clear",
				Usage:  "remove the cached session",
				Action: withSessions(clearSession),
			},
		},
	}
}

// withSessions opens the configured cache around fn.
func withSessions(fn func(*cli.Context, *session.Repository) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		store, err := cache.Open(c.Context, cfg.Cache, appName)
		if err != nil {
			return fmt.Errorf("open cache: %w", err)
		}
		defer store.Close()
		return fn(c, session.NewRepository(store, newLogger(cfg.Log)))
	}
}

func showSession(c *cli.Context, repo *session.Repository) error {
	s, err := repo.Load(c.Context)
	if errors.Is(err, session.ErrNoSession) {
		fmt.Fprintln(c.App.Writer, "no cached session")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "user:     %s\n", s.UserID)
	if s.Location != nil {
		fmt.Fprintf(c.App.Writer, "location: %.6f,%.6f %s\n", s.Location.Lat, s.Location.Lng, s.Location.Address)
	}
	return nil
}

func login(c *cli.Context, repo *session.Repository) error {
	s := model.Session{UserID: c.String("user"), Token: c.String("token")}
	if err := repo.Save(c.Context, s); err != nil {
		return err
	}
	saved, err := repo.Load(c.Context)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "session cached for user %s\n", saved.UserID)
	return nil
}

func clearSession(c *cli.Context, repo *session.Repository) error {
	if err := repo.Clear(c.Context); err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, "session cleared")
	return nil
}
