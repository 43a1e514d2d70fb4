package uffd

import (
	"time"

	"go.uber.org/zap"
)

// eagainCounter aggregates repeated EAGAIN results into a single debug line.
type eagainCounter struct {
	count uint64
	first time.Time
	last  time.Time

	logger *zap.Logger
	msg    string
}

func newEagainCounter(logger *zap.Logger, msg string) *eagainCounter {
	return &eagainCounter{
		logger: logger,
		msg:    msg,
	}
}

func (c *eagainCounter) Increase() {
	now := time.Now()
	if c.count == 0 {
		c.first = now
	}

	c.count++
	c.last = now
}

// Flush logs the aggregated count, if any, and starts over.
func (c *eagainCounter) Flush() {
	if c.count == 0 {
		return
	}

	c.logger.Debug(c.msg,
		zap.Uint64("count", c.count),
		zap.Time("first", c.first),
		zap.Duration("span", c.last.Sub(c.first)),
	)

	c.count = 0
}
