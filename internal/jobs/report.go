package jobs

import (
	"errors"
	"time"

	"github.com/shashfrankenstien/self-scheduler/internal/task/engine"
	logx "github.com/shashfrankenstien/self-scheduler/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (r *Registry) reportEnqueueError(id int64, err error) {
	if err == nil {
		return
	}
	// The previous firing is still running; normal for short intervals.
	if errors.Is(err, engine.ErrOverlapSkip) {
		r.log.Debug("job firing skipped", logx.Int64("schedule_id", id), logx.Err(err))
		return
	}

	now := time.Now()
	r.enqMu.Lock()
	last := r.lastEnqWarn[id]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		r.enqMu.Unlock()
		return
	}
	r.lastEnqWarn[id] = now
	r.enqMu.Unlock()

	r.log.Warn("job failed to enqueue", logx.Int64("schedule_id", id), logx.Err(err))
}
