package pinning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"chainmarket/internal/domain"
)

// Client uploads metadata through an ordered list of providers, advancing to
// the next on any failure (connection error, timeout, non-2xx response). It
// fails with domain.ErrPinningUnavailable only when every provider failed.
type Client struct {
	providers []Provider
	logger    *slog.Logger
}

// NewClient creates a Client that tries the given providers in order.
func NewClient(providers []Provider, logger *slog.Logger) *Client {
	return &Client{
		providers: providers,
		logger:    logger.With(slog.String("component", "pinning")),
	}
}

// Upload pins the bytes and returns the content URI ("ipfs://<hash>").
func (c *Client) Upload(ctx context.Context, data []byte, name string) (string, error) {
	if len(c.providers) == 0 {
		return "", fmt.Errorf("pinning: no providers configured: %w", domain.ErrPinningUnavailable)
	}

	var errs []error
	for _, p := range c.providers {
		hash, err := p.Pin(ctx, data, name)
		if err == nil {
			c.logger.InfoContext(ctx, "pinning: upload succeeded",
				slog.String("provider", p.Name()),
				slog.String("name", name),
				slog.Int("size_bytes", len(data)),
			)
			return "ipfs://" + hash, nil
		}

		// Cancellation is the caller's, not the provider's, so stop here.
		if ctx.Err() != nil {
			return "", fmt.Errorf("pinning: upload %s: %w", name, ctx.Err())
		}

		c.logger.WarnContext(ctx, "pinning: provider failed, trying next",
			slog.String("provider", p.Name()),
			slog.String("error", err.Error()),
		)
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}

	return "", fmt.Errorf("pinning: upload %s: %w: %w",
		name, domain.ErrPinningUnavailable, errors.Join(errs...))
}
