package transport

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RetryPolicy bounds the startup connect retry.
type RetryPolicy struct {
	Attempts        uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:        3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// Connector is anything with a startup connect: an Adapter, an MQTT client.
type Connector interface {
	Name() string
	Connect(ctx context.Context) error
}

// ConnectWithRetry retries Connect only while it fails with a ConnectionError.
// Any other error ends the retry immediately. Attempts=0 means a single try.
func ConnectWithRetry(ctx context.Context, adapter Connector, policy RetryPolicy, logger *zap.Logger) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		err := adapter.Connect(ctx)
		if err == nil {
			return nil
		}
		var cerr *ConnectionError
		if !errors.As(err, &cerr) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		logger.Warn("Connect failed, retrying",
			zap.String("adapter", adapter.Name()),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	return backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, policy.Attempts), ctx), notify)
}
