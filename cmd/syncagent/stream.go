package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/rickgao/farmlink-sync/internal/api"
	"github.com/rickgao/farmlink-sync/internal/cache"
	"github.com/rickgao/farmlink-sync/internal/connection"
	"github.com/rickgao/farmlink-sync/internal/model"
	"github.com/rickgao/farmlink-sync/internal/rooms"
	"github.com/rickgao/farmlink-sync/internal/router"
	"github.com/rickgao/farmlink-sync/internal/session"
)

func streamCommand() *cli.Command {
	return &cli.Command{
		Name:  "stream",
		Usage: "print real-time events of the cached user to the console",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "order", Usage: "also join the room of this order"},
			&cli.BoolFlag{Name: "verbose", Usage: "print full payload JSON"},
			&cli.DurationFlag{Name: "stats-interval", Value: 10 * time.Second, Usage: "interval between stats lines"},
		},
		Action: stream,
	}
}

func stream(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := cache.Open(ctx, cfg.Cache, appName)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer store.Close()

	sess, err := session.NewRepository(store, logger).Load(ctx)
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}

	apiClient := api.NewClient(cfg.API.RestURL, sess.Token,
		api.WithLogger(logger),
		api.WithTimeout(cfg.API.Timeout),
		api.WithAuthPath(cfg.API.AuthPath),
	)
	transport, err := newTransport(cfg, apiClient, logger, nil)
	if err != nil {
		return err
	}

	rtr := router.New(router.Config{QueueSize: cfg.Transport.BufferSize}, logger, nil)
	printEvents(rtr, c.App.Writer, c.Bool("verbose"))
	if err := rtr.Start(ctx, transport.Frames()); err != nil {
		return err
	}

	if err := transport.Connect(ctx, sess.UserID); err != nil {
		logger.Warn("not connected yet, retrying in background", "error", err)
	}
	rm := rooms.NewManager(transport, rtr, logger)
	if err := rm.JoinUserRoom(ctx, sess.UserID); err != nil {
		return err
	}
	if orderID := c.String("order"); orderID != "" {
		if err := rm.JoinOrderRoom(ctx, orderID); err != nil {
			return err
		}
	}

	go printStats(ctx, c.App.Writer, c.Duration("stats-interval"), transport, rtr)

	logger.Info("streaming started - press Ctrl+C to stop", "user_id", sess.UserID)
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	transport.Close(shutdownCtx)
	rtr.Stop(shutdownCtx)
	logger.Info("shutdown complete")
	return nil
}

// printEvents registers a console printer for every inbound event.
func printEvents(rtr *router.Router, w io.Writer, verbose bool) {
	show := func(tag string, m any, summary string) {
		if verbose {
			data, _ := json.MarshalIndent(m, "", "  ")
			fmt.Fprintf(w, "[%s] %s\n", tag, data)
			return
		}
		fmt.Fprintf(w, "[%s] %s\n", tag, summary)
	}

	router.On(rtr, router.NewMessage, func(m router.Message[model.NewMessageEvent]) {
		msg := m.Payload.Message
		show("MESSAGE", m.Payload, fmt.Sprintf("room=%s order=%s id=%s from=%s body=%q",
			m.Room, msg.OrderID, msg.ID, msg.SenderID, msg.Body))
	})
	router.On(rtr, router.NewNotification, func(m router.Message[model.NewNotificationEvent]) {
		n := m.Payload.Notification
		show("NOTIFICATION", m.Payload, fmt.Sprintf("id=%s type=%s order=%s read=%t",
			n.ID, n.Type, n.RelatedOrderID, n.IsRead))
	})
	router.On(rtr, router.OrderStatusUpdate, func(m router.Message[model.StatusUpdateEvent]) {
		show("STATUS", m.Payload, fmt.Sprintf("order=%s status=%s", m.Payload.OrderID, m.Payload.Status))
	})
	for tag, ev := range map[string]router.Event[model.OrderRefEvent]{
		"COMPLETED": router.OrderCompleted,
		"CANCELLED": router.OrderCancelled,
		"REJECTED":  router.OrderRejected,
	} {
		router.On(rtr, ev, func(m router.Message[model.OrderRefEvent]) {
			show(tag, m.Payload, "order="+m.Payload.OrderID)
		})
	}
	router.On(rtr, router.PaymentStatusUpdated, func(m router.Message[model.PaymentStatusEvent]) {
		show("PAYMENT", m.Payload, fmt.Sprintf("order=%s payment=%s", m.Payload.OrderID, m.Payload.PaymentStatus))
	})
	router.On(rtr, router.PriceProposalResponse, func(m router.Message[model.PriceProposalResponse]) {
		show("PROPOSAL", m.Payload, fmt.Sprintf("order=%s message=%s status=%s price=%s",
			m.Payload.OrderID, m.Payload.MessageID, m.Payload.Status, m.Payload.Price))
	})
}

func printStats(ctx context.Context, w io.Writer, every time.Duration, transport *connection.Manager, rtr *router.Router) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cs := transport.Stats()
			rs := rtr.Stats()
			fmt.Fprintf(w, "[STATS] state=%s rooms=%d reconnects=%d frames=%d dropped=%d routed=%d unhandled=%d parse_errors=%d queue=%d\n",
				cs.State, cs.Rooms, cs.ReconnectAttempts, cs.FramesReceived, cs.FramesDropped,
				rs.Routed, rs.Unhandled, rs.ParseErrors, rs.Queue.Len)
		}
	}
}
