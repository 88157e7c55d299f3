package kafka

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// AdminClient is a Client that can also manage topics. Both drivers provide it.
type AdminClient interface {
	Client
	Admin
}

// NewClient builds the client selected by cfg.Driver.
func NewClient(ctx context.Context, cfg ClientConfig, log *zap.SugaredLogger) (AdminClient, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka config: %w", err)
	}

	log = log.With("driver", cfg.Driver)
	switch cfg.Driver {
	case DriverConfluent:
		return NewConfluentClient(ctx, cfg, log)
	case DriverFranz:
		return NewFranzClient(cfg, log)
	default:
		return nil, fmt.Errorf("unknown kafka driver %q", cfg.Driver)
	}
}
