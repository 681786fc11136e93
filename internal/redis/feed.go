package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pscheid92/widgetsync/internal/domain"
	"github.com/pscheid92/widgetsync/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
)

const (
	widgetStream = "feed:widgets"
	taskStream   = "feed:tasks"

	feedGroup     = "dispatch"
	feedBlockTime = 5 * time.Second
	feedBatchSize = 64
)

// FeedPublisher appends mutation events to the widget and task streams.
// A single stream per record type preserves per-key event order.
type FeedPublisher struct {
	rdb *goredis.Client
}

func NewFeedPublisher(rdb *goredis.Client) *FeedPublisher {
	return &FeedPublisher{rdb: rdb}
}

func (p *FeedPublisher) PublishWidgetEvent(ctx context.Context, event domain.WidgetEvent) error {
	return p.publish(ctx, widgetStream, event)
}

func (p *FeedPublisher) PublishTaskEvent(ctx context.Context, event domain.TaskEvent) error {
	return p.publish(ctx, taskStream, event)
}

func (p *FeedPublisher) publish(ctx context.Context, stream string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal feed event: %w", err)
	}
	err = p.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"payload": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append to %s: %w", stream, err)
	}
	return nil
}

// FeedHandler consumes decoded mutation events. Implementations must not
// return: a bad event is theirs to log and skip, the feed always makes
// progress.
type FeedHandler interface {
	HandleWidgetEvent(ctx context.Context, event domain.WidgetEvent)
	HandleTaskEvent(ctx context.Context, event domain.TaskEvent)
}

// FeedConsumer reads both streams through a consumer group and hands
// decoded events to the handler. Messages are acknowledged after handling;
// redelivery after a crash gives at-least-once semantics.
type FeedConsumer struct {
	rdb      *goredis.Client
	consumer string
	handler  FeedHandler
}

func NewFeedConsumer(rdb *goredis.Client, consumer string, handler FeedHandler) *FeedConsumer {
	return &FeedConsumer{rdb: rdb, consumer: consumer, handler: handler}
}

// Run consumes the feed until ctx is cancelled.
func (c *FeedConsumer) Run(ctx context.Context) error {
	for _, stream := range []string{widgetStream, taskStream} {
		if err := c.ensureGroup(ctx, stream); err != nil {
			return err
		}
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		res, err := c.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    feedGroup,
			Consumer: c.consumer,
			Streams:  []string{widgetStream, taskStream, ">", ">"},
			Count:    feedBatchSize,
			Block:    feedBlockTime,
		}).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if err != nil {
			slog.Warn("Feed read failed, retrying", "error", err)
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				c.handleMessage(ctx, stream.Stream, msg)
				if err := c.rdb.XAck(ctx, stream.Stream, feedGroup, msg.ID).Err(); err != nil {
					slog.Warn("Feed ack failed", "stream", stream.Stream, "message_id", msg.ID, "error", err)
				}
			}
		}
	}
}

func (c *FeedConsumer) ensureGroup(ctx context.Context, stream string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, feedGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group on %s: %w", stream, err)
	}
	return nil
}

// handleMessage decodes and dispatches one feed entry. Malformed entries
// are counted and skipped; the consumer must keep making progress.
func (c *FeedConsumer) handleMessage(ctx context.Context, stream string, msg goredis.XMessage) {
	payload, ok := msg.Values["payload"].(string)
	if !ok {
		slog.Warn("Feed entry has no payload", "stream", stream, "message_id", msg.ID)
		metrics.FeedEventsTotal.WithLabelValues(stream, "skipped").Inc()
		return
	}

	switch stream {
	case widgetStream:
		var event domain.WidgetEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil || event.New == nil {
			slog.Warn("Skipping malformed widget event", "message_id", msg.ID, "error", err)
			metrics.FeedEventsTotal.WithLabelValues(stream, "skipped").Inc()
			return
		}
		c.handler.HandleWidgetEvent(ctx, event)
	case taskStream:
		var event domain.TaskEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil || event.New == nil {
			slog.Warn("Skipping malformed task event", "message_id", msg.ID, "error", err)
			metrics.FeedEventsTotal.WithLabelValues(stream, "skipped").Inc()
			return
		}
		c.handler.HandleTaskEvent(ctx, event)
	}
	metrics.FeedEventsTotal.WithLabelValues(stream, "ok").Inc()
}
