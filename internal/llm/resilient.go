package llm

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/chatbranch/internal/retry"
)

// Resilient wraps a Generator with backoff on transient upstream errors
// (rate limits, gateway errors, network hiccups). Permanent errors pass
// through on the first attempt.
type Resilient struct {
	inner  Generator
	config retry.Config
	logger zerolog.Logger
}

func NewResilient(inner Generator, config retry.Config, logger zerolog.Logger) *Resilient {
	return &Resilient{
		inner:  inner,
		config: config,
		logger: logger.With().Str("component", "llm").Logger(),
	}
}

func (r *Resilient) Generate(ctx context.Context, blocks []Block, sampling Sampling) (string, error) {
	var text string
	result := retry.WithBackoff(ctx, r.config, func() error {
		var err error
		text, err = r.inner.Generate(ctx, blocks, sampling)
		return err
	}, r.logger)

	if !result.Success {
		return "", result.LastError
	}
	return text, nil
}
