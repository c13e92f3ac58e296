package eternal

import (
	"time"

	"github.com/rs/zerolog/log"
)

const (
	simulatedMinDelay = 2 * time.Second
	simulatedMaxDelay = 4 * time.Second
)

// Select picks the generation backend for cfg. Without an API key every edit
// is simulated; with withFallback the real client falls back to the simulator
// when the provider is unreachable.
func Select(cfg Config, withFallback bool) Provider {
	sim := NewSimulator(simulatedMinDelay, simulatedMaxDelay)
	if cfg.APIKey == "" {
		log.Warn().Msg("EternalAI API key not set, edits are simulated")
		return sim
	}

	client := NewClient(cfg)
	if !withFallback {
		return client
	}
	return NewFallback(client, sim)
}
