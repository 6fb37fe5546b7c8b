package server

import (
	"context"
	"time"

	"github.com/rcourtman/appgrant/internal/license"
	"github.com/rcourtman/appgrant/internal/metrics"
	"github.com/rs/zerolog/log"
)

const statusMetricsInterval = 30 * time.Second

type statusCounter interface {
	CountByStatus(ctx context.Context) (map[license.Status]int, error)
}

func runStatusMetrics(ctx context.Context, counter statusCounter) {
	ticker := time.NewTicker(statusMetricsInterval)
	defer ticker.Stop()

	// Prime once at startup so /metrics isn't empty for this gauge.
	updateStatusGauges(ctx, counter)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateStatusGauges(ctx, counter)
		}
	}
}

func updateStatusGauges(ctx context.Context, counter statusCounter) {
	counts, err := counter.CountByStatus(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to update licence status metrics")
		return
	}

	seen := make(map[license.Status]struct{}, len(counts))
	for _, status := range license.Statuses {
		seen[status] = struct{}{}
		metrics.LicensesByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}

	for status, c := range counts {
		if _, ok := seen[status]; ok {
			continue
		}
		metrics.LicensesByStatus.WithLabelValues(string(status)).Set(float64(c))
	}
}
