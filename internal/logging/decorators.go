package logging

import (
	"context"
	"log/slog"
	"time"

	"telemetry-gateway/internal/telemetry"
)

// TimeSeriesLogger wraps a telemetry.Fetcher and logs all queries
type TimeSeriesLogger struct {
	fetcher telemetry.Fetcher
	logger  *slog.Logger
}

// NewTimeSeriesLogger creates a new logging decorator for a telemetry.Fetcher
func NewTimeSeriesLogger(fetcher telemetry.Fetcher, logger *slog.Logger) telemetry.Fetcher {
	return &TimeSeriesLogger{
		fetcher: fetcher,
		logger:  logger.With("interface", "TimeSeriesFetcher"),
	}
}

func (l *TimeSeriesLogger) FetchTimeSeries(ctx context.Context, q telemetry.Query) (telemetry.TimeSeries, error) {
	start := time.Now()
	l.logger.Debug("FetchTimeSeries called",
		"entity_type", q.EntityType,
		"entity_id", q.EntityID,
		"keys", q.Keys,
		"start_ts", q.StartTs,
		"end_ts", q.EndTs)

	series, err := l.fetcher.FetchTimeSeries(ctx, q)
	duration := time.Since(start)

	if err != nil {
		l.logger.Error("FetchTimeSeries failed",
			"entity_type", q.EntityType,
			"entity_id", q.EntityID,
			"keys", q.Keys,
			"duration", duration,
			"error", err)
		return nil, err
	}

	samples := 0
	for _, points := range series {
		samples += len(points)
	}

	l.logger.Info("FetchTimeSeries completed",
		"entity_type", q.EntityType,
		"entity_id", q.EntityID,
		"keys_requested", len(q.Keys),
		"keys_returned", len(series),
		"samples", samples,
		"duration", duration)

	return series, nil
}
