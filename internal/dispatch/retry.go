// Package dispatch — доставка команд: идемпотентность, ретраи с
// экспоненциальным бэкоффом и упорядоченная по устройству отправка.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// RetryOptions — параметры бэкоффа. Нулевые поля заменяются дефолтами
// (3 попытки сверх первой, 1s → x2 → потолок 30s).
type RetryOptions struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64

	// Sleep подменяется в тестах; по умолчанию — таймер с учётом ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.Factor <= 0 {
		o.Factor = 2
	}
	if o.Sleep == nil {
		o.Sleep = sleepCtx
	}
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ExhaustedError — попытки исчерпаны; оборачивает последнюю ошибку.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent помечает ошибку как неретраибельную (аутентификация,
// валидация): WithBackoff вернёт её сразу.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// WithBackoff выполняет fn, на ошибке ждёт min(initial·factor^attempt, max)
// и повторяет, всего до MaxRetries дополнительных попыток.
func WithBackoff[T any](ctx context.Context, fn func(ctx context.Context) (T, error), opts RetryOptions) (T, error) {
	o := opts.withDefaults()
	var zero T
	var last error

	for attempt := 0; attempt <= o.MaxRetries; attempt++ {
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		last = err
		if attempt == o.MaxRetries {
			break
		}
		delay := time.Duration(float64(o.InitialDelay) * math.Pow(o.Factor, float64(attempt)))
		if delay > o.MaxDelay {
			delay = o.MaxDelay
		}
		if err := o.Sleep(ctx, delay); err != nil {
			return zero, &ExhaustedError{Attempts: attempt + 1, Last: last}
		}
	}
	return zero, &ExhaustedError{Attempts: o.MaxRetries + 1, Last: last}
}
