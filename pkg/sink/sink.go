// Package sink publishes cycle results to observability backends.
//
// A sink failure never changes a cycle's outcome: Multi logs it and moves on.
package sink

import (
	"context"

	"github.com/Layr-Labs/eigenx-price-oracle/pkg/types"
	"go.uber.org/zap"
)

// ISink receives exactly one CycleResult per cycle
type ISink interface {
	Name() string
	Emit(ctx context.Context, result *types.CycleResult) error
}

// Multi fans a result out to every configured sink
type Multi struct {
	sinks  []ISink
	logger *zap.Logger
}

func NewMulti(l *zap.Logger, sinks ...ISink) *Multi {
	return &Multi{sinks: sinks, logger: l}
}

func (m *Multi) Name() string {
	return "multi"
}

// Emit always returns nil; individual failures are logged
func (m *Multi) Emit(ctx context.Context, result *types.CycleResult) error {
	for _, s := range m.sinks {
		if err := s.Emit(ctx, result); err != nil {
			m.logger.Sugar().Warnw("Failed to emit cycle result",
				"sink", s.Name(),
				"cycleId", result.CycleID,
				"error", err,
			)
		}
	}
	return nil
}

// Closer is implemented by sinks holding connections
type Closer interface {
	Close() error
}

// Close closes every sink that holds resources
func (m *Multi) Close() error {
	for _, s := range m.sinks {
		if c, ok := s.(Closer); ok {
			if err := c.Close(); err != nil {
				m.logger.Sugar().Warnw("Failed to close sink", "sink", s.Name(), "error", err)
			}
		}
	}
	return nil
}
