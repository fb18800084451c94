package sweep

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Processor drives periodic sweep passes. Each tick is a full stateless
// pass, so a restart loses nothing.
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

// Start begins the sweep processing loop
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "sweep_processor").Logger()
	logger.Info().Dur("interval", p.processDelay).Msg("starting sweep processor")

	ticker := time.NewTicker(p.processDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down sweep processor")
			return
		case <-ticker.C:
			summary := p.service.RunPass()
			if len(summary.Errors) > 0 {
				logger.Error().
					Strs("errors", summary.Errors).
					Int("swept", summary.Swept).
					Msg("sweep pass finished with errors")
			}
		}
	}
}
