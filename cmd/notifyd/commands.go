package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"notify-relay/internal/api"
	"notify-relay/internal/models"
	"notify-relay/internal/normalize"
	"notify-relay/internal/presence"
	"notify-relay/internal/realtime"
	"notify-relay/internal/store"
	"notify-relay/internal/surface"
	"notify-relay/internal/ws"
)

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stay connected and print notifications as they arrive",
		Long: `Connect to the notification socket, poll the REST fallbacks and print every
popup and bell change until interrupted.

With --chat the given location is treated as the open screen: messages of
that conversation are printed as chat lines instead of popups.`,
		Example: `  notifyd watch
  notifyd watch --chat "/chat?userId=B"
  notifyd watch --desktop`,
		RunE: func(cmd *cobra.Command, args []string) error {
			location, _ := cmd.Flags().GetString("chat")
			desktop, _ := cmd.Flags().GetBool("desktop")

			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			p := a.provider(desktop)
			p.Start(ctx, a.session)
			defer p.Stop()

			p.Toasts().OnChange(func(c store.Change) {
				if c.Op == store.OpInserted {
					_ = surface.Print(os.Stdout, surface.RenderToast(c.Notification))
				}
			})
			p.Bell().OnChange(func(c store.Change) {
				if c.Op == store.OpInserted || c.Op == store.OpRead || c.Op == store.OpCleared {
					bell := p.Bell()
					a.log.Debug("[MAIN] Bell changed", zap.String("op", string(c.Op)), zap.Int("unread", bell.UnreadCount()))
				}
			})

			if location != "" {
				if presence.FromURL(location) == nil {
					return fmt.Errorf("not a chat location: %q", location)
				}
				p.Navigate(location)
				list := p.ChatList()
				for _, m := range list.Messages() {
					_ = surface.Print(os.Stdout, surface.RenderMessage(m))
				}
				list.OnGrow(func(m models.ChatMessage) {
					_ = surface.Print(os.Stdout, surface.RenderMessage(m))
				})
				defer list.Close()
			}

			<-ctx.Done()
			bell := p.Bell()
			return surface.Print(os.Stdout, surface.RenderBell(bell.Items(), bell.UnreadCount()))
		},
	}

	cmd.Flags().String("chat", "", "Location of the open chat, e.g. /chat?userId=B")
	cmd.Flags().Bool("desktop", false, "Allow desktop notifications")
	return cmd
}

func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Send a chat message",
		Example: `  notifyd send --to B "Truck is loaded"
  notifyd send --chat-id c-17 "On my way"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, _ := cmd.Flags().GetString("to")
			chatID, _ := cmd.Flags().GetString("chat-id")
			if to == "" && chatID == "" {
				return errors.New("one of --to or --chat-id is required")
			}

			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()
			if !a.session.Valid() {
				return errors.New("a token and a user id are required to send")
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			p := a.provider(false)
			p.Start(ctx, a.session)
			defer p.Stop()

			msg, err := p.SendTo(ctx, models.ChatContext{ChatID: chatID, CounterpartUserID: to}, args[0])
			_ = surface.Print(os.Stdout, surface.RenderMessage(msg))
			return err
		},
	}

	cmd.Flags().String("to", "", "Counterpart user id")
	cmd.Flags().String("chat-id", "", "Chat id")
	return cmd
}

func bellCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bell",
		Short: "Print recent notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			payments, _ := cmd.Flags().GetBool("payments")

			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			client := api.New(a.cfg.APIURL, api.WithLogger(a.log))
			client.SetToken(a.session.Token)

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			fetch, event := client.Notifications, normalize.EventNotification
			if payments {
				fetch, event = client.PaymentNotifications, normalize.EventPayment
			}
			records, err := fetch(ctx)
			if err != nil {
				return err
			}

			var fetched []models.Notification
			for _, rec := range records {
				n, err := normalize.Normalize(event, rec)
				if err != nil {
					a.log.Debug("[MAIN] Skipping record", zap.Error(err))
					continue
				}
				n.Source = models.SourcePoll
				fetched = append(fetched, n)
			}
			sort.SliceStable(fetched, func(i, j int) bool {
				return fetched[i].Timestamp.Before(fetched[j].Timestamp)
			})

			st := store.New("bell")
			for _, n := range fetched {
				st.Insert(n)
			}
			bell := surface.NewBell(st)
			return surface.Print(os.Stdout, surface.RenderBell(bell.Items(), bell.UnreadCount()))
		},
	}

	cmd.Flags().Bool("payments", false, "Show payment notifications instead")
	return cmd
}

func bidCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bid <load-id> <rate>",
		Short: "Place a bid over the socket",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rate float64
			if _, err := fmt.Sscanf(args[1], "%g", &rate); err != nil {
				return fmt.Errorf("invalid rate %q: %w", args[1], err)
			}
			note, _ := cmd.Flags().GetString("message")

			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			p := a.provider(false)
			p.Start(ctx, a.session)
			defer p.Stop()

			if err := waitConnected(ctx, p, 15*time.Second); err != nil {
				return err
			}
			return p.PlaceBid(models.NewBidData{LoadId: args[0], Rate: rate, Message: note})
		},
	}

	cmd.Flags().String("message", "", "Note attached to the bid")
	return cmd
}

func waitConnected(ctx context.Context, p *realtime.Provider, timeout time.Duration) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)

	for p.State() != ws.StateConnected {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("socket not connected after %s", timeout)
		case <-ticker.C:
		}
	}
	return nil
}
