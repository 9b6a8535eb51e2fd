package sink

import (
	"context"

	"github.com/Layr-Labs/eigenx-price-oracle/pkg/types"
	"go.uber.org/zap"
)

// LogSink writes one structured line per cycle
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(l *zap.Logger) *LogSink {
	return &LogSink{logger: l}
}

func (s *LogSink) Name() string {
	return "log"
}

func (s *LogSink) Emit(_ context.Context, r *types.CycleResult) error {
	fields := []zap.Field{
		zap.String("cycleId", r.CycleID),
		zap.String("pair", r.Pair),
		zap.String("outcome", string(r.Outcome)),
		zap.Int("attempts", r.Attempts),
		zap.Duration("duration", r.Duration()),
	}
	if r.Quote != nil {
		fields = append(fields,
			zap.String("rate", r.Quote.Rate.String()),
			zap.Time("observedAt", r.Quote.ObservedAt),
		)
	}
	if r.TxHash != "" {
		fields = append(fields, zap.String("txHash", r.TxHash))
	}
	if r.SequenceNumber != nil {
		fields = append(fields, zap.Uint64("sequence", *r.SequenceNumber))
	}
	if r.Reason != "" {
		fields = append(fields,
			zap.String("reason", r.Reason),
			zap.String("errorKind", r.ErrorKind),
			zap.String("errorCode", r.ErrorCode),
		)
	}

	if r.Outcome == types.Outcome_Confirmed {
		s.logger.Info("Cycle finished", fields...)
	} else {
		s.logger.Warn("Cycle finished", fields...)
	}
	return nil
}
