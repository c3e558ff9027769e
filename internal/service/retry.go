package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/ai-ustad/ustad-chat/internal/llm"
	"github.com/ai-ustad/ustad-chat/pkg/logger"
)

// defaultBackOff spaces out retries after the whole key pool was rate limited.
func defaultBackOff() backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 2 * time.Second
	expo.Multiplier = 2
	expo.RandomizationFactor = 0.25
	expo.MaxInterval = 30 * time.Second
	expo.MaxElapsedTime = 2 * time.Minute
	return expo
}

// generateWithBackOff calls gen.Generate until it succeeds, fails with
// anything other than pool exhaustion, or maxAttempts calls were made.
func generateWithBackOff(
	ctx context.Context,
	gen Generator,
	req *llm.GenerateRequest,
	bo backoff.BackOff,
	maxAttempts int,
	log *logger.Logger,
	op string,
) (*llm.GenerateResponse, error) {
	var resp *llm.GenerateResponse
	attempt := 0
	call := func() error {
		attempt++
		r, err := gen.Generate(ctx, req)
		if err == nil {
			resp = r
			return nil
		}
		var exhausted *llm.PoolExhaustedError
		if errors.As(err, &exhausted) {
			log.Warn("generation rate limited, backing off", zap.String("op", op), zap.Int("attempt", attempt))
			return err
		}
		return backoff.Permanent(err)
	}

	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if err := backoff.Retry(call, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxAttempts-1)), ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}
