package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Processor drives periodic scheduling passes. Due-ness lives entirely in
// stored task timestamps, so the ticker is just a trigger; nothing is lost
// across restarts.
type Processor struct {
	service      *Service
	processDelay time.Duration
}

func NewProcessor(service *Service, processDelay time.Duration) *Processor {
	return &Processor{
		service:      service,
		processDelay: processDelay,
	}
}

// Start begins the scheduling loop
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "scheduler_processor").Logger()
	logger.Info().Dur("interval", p.processDelay).Msg("starting scheduler processor")

	ticker := time.NewTicker(p.processDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down scheduler processor")
			return
		case <-ticker.C:
			summary := p.service.RunPass()
			if len(summary.Errors) > 0 {
				logger.Error().
					Strs("errors", summary.Errors).
					Int("tasks_executed", summary.TasksExecuted).
					Msg("scheduling pass finished with errors")
			}
		}
	}
}
