package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	"ubysbot/internal/eventbus"
	logx "ubysbot/pkg/logx"
)

func (s *Service) runLoop(ctx context.Context, stopCh <-chan struct{}, queue chan workItem, idx int) {
	// Each worker owns an RNG so concurrent retries never contend on the
	// global rand lock.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		// Check stop first so a closed stopCh beats queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case item, ok := <-queue:
			if !ok {
				return
			}
			atomic.AddInt32(&s.inFlight, 1)
			s.run(ctx, stopCh, item, rng)
			atomic.AddInt32(&s.inFlight, -1)
		}
	}
}

func (s *Service) run(ctx context.Context, stopCh <-chan struct{}, item workItem, rng *rand.Rand) {
	start := time.Now()
	var queueDelay time.Duration
	if !item.queuedAt.IsZero() {
		if queueDelay = start.Sub(item.queuedAt); queueDelay < 0 {
			queueDelay = 0
		}
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	// A poll result that sat in the queue too long is useless; drop it
	// rather than fetch with data that is about to be fetched again.
	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		if item.gated && item.state != nil {
			item.state.release()
		}
		s.noteStaleDrop(start, item.task, queueDelay)
		s.recordHistory(HistoryItem{ID: item.task.ID, Name: item.task.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"}, cfg.HistorySize)
		return
	}

	s.log.Debug("task.started", logx.String("task", item.task.Name), logx.Duration("queue_delay", queueDelay))

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "task.started", Time: start, Data: TaskEvent{ID: item.task.ID, Name: item.task.Name, Started: start, QueueDelay: queueDelay}})
	}
	if item.gated && item.state != nil {
		defer item.state.release()
	}

	retries := item.opt.RetryMax
	if retries < 0 {
		retries = 0
	}

	var err error
	attempts := 0
	maxAttempts := 1 + retries
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt

		runCtx := ctx
		var cancel func()
		if item.timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, item.timeout)
		}
		// A panicking task becomes an error; the worker stays alive.
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
					s.log.Error("task.panic", logx.String("task", item.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			err = item.task.Run(runCtx)
		}()
		if cancel != nil {
			cancel()
		}
		if err == nil {
			break
		}
		// NoRetry marks permanent failures (e.g. rejected credentials).
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt >= maxAttempts {
			break
		}

		if delay := backoffDelayWithHint(item.opt, attempt, err, rng); delay > 0 {
			s.log.Debug("task retry scheduled", logx.String("task", item.task.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Any("err", err))
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !tmr.Stop() {
					<-tmr.C
				}
				err = ctx.Err()
				break attemptLoop
			case <-stopCh:
				if !tmr.Stop() {
					<-tmr.C
				}
				err = errors.New("taskengine stopped")
				break attemptLoop
			case <-tmr.C:
			}
		}
	}

	dur := time.Since(start)
	result := HistoryItem{ID: item.task.ID, Name: item.task.Name, Started: start, Duration: dur, QueueDelay: queueDelay}
	switch {
	case err != nil:
		result.Error = err.Error()
		s.log.Warn("task.failed", logx.String("task", item.task.Name), logx.Any("err", err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "task.failed", Time: time.Now(), Data: TaskEvent{ID: item.task.ID, Name: item.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts, Error: result.Error}})
		}
	default:
		// Slow completions get an Info line; routine polls stay at Debug.
		lvl := s.log.Debug
		if dur >= 750*time.Millisecond {
			lvl = s.log.Info
		}
		lvl("task.completed", logx.String("task", item.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "task.finished", Time: time.Now(), Data: TaskEvent{ID: item.task.ID, Name: item.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}})
		}
	}

	// The breaker sees only the final outcome, after retries.
	s.circuitRecordResult(time.Now(), item.task.Name, cfg, item.opt, err)

	s.recordHistory(result, cfg.HistorySize)
}

// backoffDelayWithHint honors an explicit retry-after carried by the error
// (the portal's HTTP 429 hint), bounded and jittered like normal backoff.
func backoffDelayWithHint(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if err == nil || !errors.As(err, &ra) {
		return backoffDelay(opt, retry, rng)
	}

	d := ra.RetryAfter()
	if d < 0 {
		d = 0
	}
	maxD := opt.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	if d > maxD {
		d = maxD
	}
	j := opt.RetryJitter
	if j <= 0 {
		j = 0.2
	}
	// Jitter on top of the hint keeps retries from synchronizing.
	if j > 0 && d > 0 && rng != nil {
		d = time.Duration(float64(d) * (1 + (rng.Float64()*2-1)*j))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}

func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	base := opt.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := opt.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	j := opt.RetryJitter
	if j <= 0 {
		j = 0.2
	}

	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	if j > 0 && rng != nil {
		d = time.Duration(float64(d) * (1 + (rng.Float64()*2-1)*j))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}
