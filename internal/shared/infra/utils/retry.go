package utils

import (
	"context"
	"time"
)

// Retry ejecuta fn hasta 'attempts' veces esperando 'delay' entre intentos.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	return RetryIf(ctx, attempts, delay, func(error) bool { return true }, fn)
}

// RetryIf solo reintenta cuando retryable(err) es true; el resto de errores se devuelven al momento.
func RetryIf(ctx context.Context, attempts int, delay time.Duration, retryable func(error) bool, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
			// espera antes del siguiente intento
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return err
}
