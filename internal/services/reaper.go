package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// RunReaper closes idle sessions every interval until ctx is done
func RunReaper(ctx context.Context, sessions *SessionService, ttl, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("idle_ttl", ttl).Dur("interval", interval).Msg("Session reaper started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := sessions.ExpireIdle(ctx, ttl)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Error().Err(err).Msg("Failed to expire idle sessions")
				continue
			}
			if n > 0 {
				log.Info().Int("expired", n).Msg("Expired idle sessions")
			}
		}
	}
}
