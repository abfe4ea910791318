package redis

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/sorrel/pkg/metrics"
)

const (
	gateAcquired = "acquired"
	gateTimeout  = "timeout"
	gateError    = "error"
)

// IdentityGate holds short-lived locks on the identity keys of an in-flight
// request so that concurrent submissions of the same person queue up instead
// of aborting each other's transactions. It never fails a request: when the
// locks cannot be had in time the caller proceeds ungated.
type IdentityGate struct {
	locker *Locker
	ttl    time.Duration
	wait   time.Duration
	logger ectologger.Logger
}

func NewIdentityGate(locker *Locker, ttl, wait time.Duration, logger ectologger.Logger) *IdentityGate {
	return &IdentityGate{
		locker: locker,
		ttl:    ttl,
		wait:   wait,
		logger: logger,
	}
}

// Enter takes every key in sorted order and returns the release func
func (g *IdentityGate) Enter(ctx context.Context, keys []string) func() {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	waitCtx, cancel := context.WithTimeout(ctx, g.wait)
	defer cancel()

	held := make([]*Lock, 0, len(sorted))
	for _, key := range sorted {
		lock, err := g.locker.TryAcquire(waitCtx, key, g.ttl, g.wait)
		if err != nil {
			result := gateError
			if errors.Is(err, ErrLockNotAcquired) || errors.Is(err, context.DeadlineExceeded) {
				result = gateTimeout
			}
			metrics.GateAcquisitionsTotal.WithLabelValues(result).Inc()
			g.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"key":    key,
				"result": result,
			}).Warn("Proceeding without identity gate")

			g.release(ctx, held)
			return func() {}
		}
		held = append(held, lock)
	}

	metrics.GateAcquisitionsTotal.WithLabelValues(gateAcquired).Inc()
	return func() { g.release(ctx, held) }
}

func (g *IdentityGate) release(ctx context.Context, held []*Lock) {
	if len(held) == 0 {
		return
	}

	// release even when the request context is already done
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()

	for i := len(held) - 1; i >= 0; i-- {
		if err := held[i].Release(releaseCtx); err != nil {
			g.logger.WithContext(ctx).WithError(err).WithField("key", held[i].Key()).Debug("Failed to release identity gate lock")
		}
	}
}
