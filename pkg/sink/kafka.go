package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Layr-Labs/eigenx-price-oracle/pkg/types"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes each CycleResult as JSON keyed by pair
type KafkaSink struct {
	writer       messageWriter
	writeTimeout time.Duration
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return newKafkaSink(&kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	})
}

func newKafkaSink(w messageWriter) *KafkaSink {
	return &KafkaSink{writer: w, writeTimeout: 5 * time.Second}
}

func (k *KafkaSink) Name() string {
	return "kafka"
}

func (k *KafkaSink) Emit(ctx context.Context, r *types.CycleResult) error {
	msg, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal cycle result: %w", err)
	}

	// results are published even when the cycle was cancelled
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.writeTimeout)
	defer cancel()

	return k.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(r.Pair),
		Value: msg,
		Time:  r.FinishedAt,
	})
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
