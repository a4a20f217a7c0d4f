// Package vectorfeed consumes trap collection events from Kafka.
package vectorfeed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/phl-surveillance/platform/internal/canonical"
	"github.com/phl-surveillance/platform/internal/shared/config"
)

// IngestFunc stores a batch of raw vector records for a source.
type IngestFunc func(ctx context.Context, sourceID string, records []canonical.RawVectorRecord) error

// messageReader is the subset of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads trap collection messages and hands them to an IngestFunc.
// Offsets are committed only after ingestion succeeds; redelivered messages
// are harmless because vector records are deduplicated by record key.
type Consumer struct {
	reader   messageReader
	sourceID string
	ingest   IngestFunc
	log      zerolog.Logger

	retryDelay    time.Duration
	maxRetryDelay time.Duration
}

// New creates a consumer for the configured topic.
func New(cfg config.KafkaConfig, ingest IngestFunc, log zerolog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		MaxWait:  time.Second,
	})
	return newConsumer(reader, cfg.SourceID, ingest, log)
}

func newConsumer(reader messageReader, sourceID string, ingest IngestFunc, log zerolog.Logger) *Consumer {
	return &Consumer{
		reader:        reader,
		sourceID:      sourceID,
		ingest:        ingest,
		log:           log.With().Str("component", "vectorfeed").Str("source_id", sourceID).Logger(),
		retryDelay:    time.Second,
		maxRetryDelay: time.Minute,
	}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info().Msg("vector feed consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch vector message: %w", err)
		}

		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit vector message: %w", err)
		}
	}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// handle ingests one message, retrying ingestion until it succeeds or ctx
// ends. Undecodable messages are logged and skipped.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	records, err := decode(msg.Value)
	if err != nil {
		c.log.Warn().Err(err).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("skipping undecodable vector message")
		return nil
	}
	for i := range records {
		if records[i].SourceID == "" {
			records[i].SourceID = c.sourceID
		}
	}

	delay := c.retryDelay
	for {
		err := c.ingest(ctx, c.sourceID, records)
		if err == nil {
			return nil
		}
		c.log.Error().Err(err).Int64("offset", msg.Offset).Dur("retry_in", delay).Msg("vector ingestion failed")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.maxRetryDelay {
			delay = c.maxRetryDelay
		}
	}
}

// decode accepts a single record object or an array of them.
func decode(value []byte) ([]canonical.RawVectorRecord, error) {
	value = bytes.TrimSpace(value)
	if len(value) == 0 {
		return nil, errors.New("empty message")
	}

	if value[0] == '[' {
		var records []canonical.RawVectorRecord
		if err := json.Unmarshal(value, &records); err != nil {
			return nil, fmt.Errorf("decode vector batch: %w", err)
		}
		return records, nil
	}

	var record canonical.RawVectorRecord
	if err := json.Unmarshal(value, &record); err != nil {
		return nil, fmt.Errorf("decode vector record: %w", err)
	}
	return []canonical.RawVectorRecord{record}, nil
}
