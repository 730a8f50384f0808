package blackbox

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrTimestampOrder is returned when a counter is given a timestamp that
// isn't strictly greater than the previous one.
var ErrTimestampOrder = errors.New("timestamp not strictly increasing")

// Counter records a sampled numeric value, and suppresses repeated values.
// When the value changes after a run of suppressed samples, the last
// suppressed sample is written first, so the series keeps the moment the old
// value was last observed.
type Counter struct {
	logger *Logger
	id     int64
	tid    int32

	mtx     sync.Mutex
	have    bool
	value   int64
	ts      int64
	skipped bool
}

// NewCounter returns a counter which writes TypeCounter entries to the
// logger, with the counter id as the call id, and the given thread id.
func NewCounter(logger *Logger, counterID int64, tid int32) *Counter {
	return &Counter{
		logger: logger,
		id:     counterID,
		tid:    tid,
	}
}

// Record a value observed at the timestamp.
func (c *Counter) Record(value, ts int64) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.have && ts <= c.ts {
		c.logger.log.Error("counter timestamp out of order",
			zap.Int64("counter", c.id),
			zap.Int64("previous", c.ts),
			zap.Int64("timestamp", ts),
		)
		return ErrTimestampOrder
	}

	switch {
	case !c.have:
		c.write(value, ts)
	case value == c.value:
		c.skipped = true
	default:
		if c.skipped {
			c.write(c.value, c.ts)
		}
		c.write(value, ts)
		c.skipped = false
	}

	c.have, c.value, c.ts = true, value, ts
	return nil
}

func (c *Counter) write(value, ts int64) {
	c.logger.Write(StandardEntry{
		Type:      TypeCounter,
		Timestamp: ts,
		TID:       c.tid,
		CallID:    c.id,
		Extra:     value,
	})
}
