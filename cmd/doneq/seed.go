package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/felipemaragno/doneq/internal/config"
	"github.com/felipemaragno/doneq/internal/domain"
	"github.com/felipemaragno/doneq/internal/store"
	"github.com/felipemaragno/doneq/internal/store/kvstore"
	"github.com/felipemaragno/doneq/internal/store/sqlstore"
)

// seedCmd inserts a handful of sample messages directly through
// store.MessageStore.Create, supplying CreatedAt/UpdatedAt explicitly.
// This is the one caller allowed to bypass the server's normal
// submit-through-the-state-manager path, so the messages it plants
// carry whatever historical timestamps the operator wants for demo
// or load-testing data instead of "now".
func seedCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert sample messages for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd.Context(), count)
		},
	}
	cmd.Flags().IntVar(&count, "count", 10, "number of sample messages to insert")
	return cmd
}

func runSeed(ctx context.Context, count int) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	var ms store.MessageStore
	switch cfg.StorageType {
	case config.StorageKV:
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parsing REDIS_URL: %w", err)
		}
		ms = kvstore.New(redis.NewClient(opt))
	default:
		sq, err := sqlstore.Open(cfg.TursoDBURL)
		if err != nil {
			return fmt.Errorf("opening sql store: %w", err)
		}
		defer sq.Close()
		ms = sq
	}

	now := time.Now().UTC()
	for i := 0; i < count; i++ {
		createdAt := now.Add(-time.Duration(count-i) * time.Hour)
		data, _ := json.Marshal(map[string]any{"seed_index": i})
		msg := &domain.Message{
			ID:        domain.NewMessageID(createdAt),
			Status:    domain.StatusCreated,
			PublishAt: createdAt,
			Payload: domain.Payload{
				URL:  "https://example.com/webhooks/sample",
				Data: data,
				Headers: domain.Headers{
					Forward: map[string]string{"X-Sample": "true"},
				},
			},
			LastErrors: []domain.DeliveryError{},
			CreatedAt:  createdAt,
			UpdatedAt:  createdAt,
		}
		if _, _, err := ms.Create(ctx, msg, &store.CreateOptions{CreatedAt: &createdAt, UpdatedAt: &createdAt}); err != nil {
			return fmt.Errorf("seeding message %d: %w", i, err)
		}
	}
	fmt.Printf("seeded %d messages\n", count)
	return nil
}
