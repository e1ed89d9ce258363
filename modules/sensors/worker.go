package sensors

import (
	"context"
	"time"
)

// The poll worker serialises all bus traffic. Measurements run in two
// phases so the worker never sleeps on a single sensor's conversion:
// triggers are issued immediately and collects are multiplexed on one
// timer keyed by the earliest due time.

type measureReq struct {
	id string
	m  meter
}

type result struct {
	id       string
	readings []Reading
	err      error
}

type workerConfig struct {
	TriggerTimeout time.Duration
	CollectTimeout time.Duration
	RetryBackoff   time.Duration
	MaxRetries     int
	QueueSize      int
}

type pollWorker struct {
	cfg  workerConfig
	reqQ chan measureReq
	sink chan<- result

	pending  map[string]*collectItem
	collects []*collectItem
	timer    *time.Timer
}

type collectItem struct {
	id      string
	m       meter
	due     time.Time
	retries int
}

func newPollWorker(cfg workerConfig, sink chan<- result) *pollWorker {
	if cfg.TriggerTimeout <= 0 {
		cfg.TriggerTimeout = 100 * time.Millisecond
	}
	if cfg.CollectTimeout <= 0 {
		cfg.CollectTimeout = 250 * time.Millisecond
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 15 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 6
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	return &pollWorker{
		cfg:     cfg,
		reqQ:    make(chan measureReq, cfg.QueueSize),
		sink:    sink,
		pending: map[string]*collectItem{},
		timer:   time.NewTimer(time.Hour),
	}
}

// submit enqueues a measurement. It reports false when the queue is
// full; callers on a tick cadence just catch the next tick.
func (w *pollWorker) submit(req measureReq) bool {
	select {
	case w.reqQ <- req:
		return true
	default:
		return false
	}
}

func (w *pollWorker) start(ctx context.Context) {
	if !w.timer.Stop() {
		drainTimer(w.timer)
	}
	go w.run(ctx)
}

func (w *pollWorker) run(ctx context.Context) {
	for {
		next := w.minDue()
		if !w.timer.Stop() {
			drainTimer(w.timer)
		}
		if next.IsZero() {
			w.timer.Reset(time.Hour)
		} else {
			d := time.Until(next)
			if d < 0 {
				d = 0
			}
			w.timer.Reset(d)
		}

		select {
		case <-ctx.Done():
			return

		case req := <-w.reqQ:
			if _, ok := w.pending[req.id]; ok {
				continue
			}
			tctx, cancel := context.WithTimeout(ctx, w.cfg.TriggerTimeout)
			after, err := req.m.Trigger(tctx)
			cancel()
			if err != nil {
				w.emit(ctx, result{id: req.id, err: err})
				continue
			}
			it := &collectItem{id: req.id, m: req.m, due: time.Now().Add(after)}
			w.pending[req.id] = it
			w.collects = append(w.collects, it)

		case <-w.timer.C:
			now := time.Now()
			var keep []*collectItem
			for _, it := range w.collects {
				if now.Before(it.due) {
					keep = append(keep, it)
					continue
				}
				cctx, cancel := context.WithTimeout(ctx, w.cfg.CollectTimeout)
				rs, err := it.m.Collect(cctx)
				cancel()
				switch {
				case err == nil:
					delete(w.pending, it.id)
					w.emit(ctx, result{id: it.id, readings: rs})
				case err == ErrNotReady && it.retries < w.cfg.MaxRetries:
					it.retries++
					it.due = now.Add(w.cfg.RetryBackoff)
					keep = append(keep, it)
				default:
					delete(w.pending, it.id)
					w.emit(ctx, result{id: it.id, err: err})
				}
			}
			w.collects = keep
		}
	}
}

func (w *pollWorker) emit(ctx context.Context, r result) {
	select {
	case w.sink <- r:
	case <-ctx.Done():
	}
}

func (w *pollWorker) minDue() time.Time {
	var min time.Time
	for _, it := range w.collects {
		if min.IsZero() || it.due.Before(min) {
			min = it.due
		}
	}
	return min
}

func drainTimer(t *time.Timer) {
	select {
	case <-t.C:
	default:
	}
}
