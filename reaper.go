package qtx

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// runReaper периодически отменяет транзакции с истекшим тайм-аутом, пока ctx не отменен.
func (c *Coordinator) runReaper(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.reap(ctx, now)
		}
	}
}

// reap помечает просроченные транзакции для отмены и отменяет их в фоне. Транзакция, завершение которой уже
// началось, не затрагивается.
func (c *Coordinator) reap(ctx context.Context, now time.Time) {
	c.mu.Lock()
	var expired []*Transaction
	for _, tx := range c.active {
		if !tx.deadline.IsZero() && now.After(tx.deadline) && !tx.timedOut.Load() {
			expired = append(expired, tx)
		}
	}
	c.mu.Unlock()

	for _, tx := range expired {
		if !tx.expire() {
			continue
		}
		c.metrics.timedOut.Add(ctx, 1)
		tx.logger.Info("transaction timed out", zap.Time("deadline", tx.deadline))

		c.bgWg.Add(1)
		go func() {
			defer c.bgWg.Done()
			tx.rollbackExpired(context.WithoutCancel(ctx))
		}()
	}
}
