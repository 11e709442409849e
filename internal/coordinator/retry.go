package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/jason-s-yu/arena/internal/models"
	"github.com/sirupsen/logrus"
)

// retryable reports whether a failed write may succeed on a second attempt.
// Taxonomy errors other than persistence are final.
func retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch {
	case errors.Is(err, models.ErrValidation),
		errors.Is(err, models.ErrNotFound),
		errors.Is(err, models.ErrCapacity),
		errors.Is(err, models.ErrInsufficientFunds),
		errors.Is(err, models.ErrChannel):
		return false
	}
	return true
}

// retryOnce runs fn and, if it fails with a retryable error, once more after
// delay. Used for writes that would leave a player "counted but gone".
func retryOnce(ctx context.Context, log *logrus.Entry, delay time.Duration, op string, fn func(context.Context) error) error {
	err := fn(ctx)
	if !retryable(err) {
		return err
	}
	log.WithError(err).WithField("op", op).Warn("write failed, retrying once")
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return err
	}
	return fn(ctx)
}
