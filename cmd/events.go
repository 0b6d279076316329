/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/userhub/apiserver/config"
	"github.com/userhub/apiserver/internal/events"
)

// eventsCmd represents the events command.
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Work with user lifecycle events",
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Subscribe to the event channel and log each event",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()

		backend, err := newEventsBackend(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		publisher := events.NewPublisher(backend, cfg.Events.Channel)
		defer func() {
			_ = publisher.Close()
		}()

		err = publisher.Subscribe(cmd.Context(), func(ctx context.Context, msg events.Message) error {
			var event events.Event
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				log.Warn().Str("message_id", msg.ID).Msg("skipping undecodable event")
				return nil
			}
			log.Info().
				Str("type", string(event.Type)).
				Stringer("user_id", event.UserID).
				Str("email", event.Email).
				Time("at", event.At).
				Msg("event")
			return nil
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func newEventsBackend(ctx context.Context, cfg config.Config) (events.Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Events.Backend)) {
	case "rabbitmq":
		return events.NewRabbitMQBackend(cfg.Events.RabbitMQ)
	case "pubsub":
		return events.NewPubSubBackend(ctx, cfg.Events.PubSub)
	default:
		return nil, fmt.Errorf("EVENTS_BACKEND must be rabbitmq or pubsub, got %q", cfg.Events.Backend)
	}
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsTailCmd)
}
