package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// HeartBeatWorker keeps a received message claimed while it is processed.
type HeartBeatWorker struct {
	consumer *Consumer
	msg      *ReceivedMessage
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	lost bool
}

// StartHeartBeat begins refreshing msg every interval until Stop is called,
// ctx is done, or the message leaves Processing. On a queue without
// heartbeats the worker is idle.
func (c *Consumer) StartHeartBeat(ctx context.Context, msg *ReceivedMessage, interval time.Duration) *HeartBeatWorker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	w := &HeartBeatWorker{
		consumer: c,
		msg:      msg,
		interval: interval,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	if !c.store.Options().EnableHeartBeat {
		close(w.done)
		return w
	}
	go w.run(ctx)
	return w
}

func (w *HeartBeatWorker) run(ctx context.Context) {
	defer close(w.done)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	log := w.consumer.cfg.logger
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		hb, err := w.consumer.SendHeartBeat(ctx, w.msg)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("heartbeat_failed",
				slog.String("queue", w.consumer.store.Name()),
				slog.String("id", w.msg.ID.String()),
				slog.Any("err", err),
			)
			continue
		}
		if hb.IsZero() {
			w.mu.Lock()
			w.lost = true
			w.mu.Unlock()
			log.Warn("heartbeat_lost",
				slog.String("queue", w.consumer.store.Name()),
				slog.String("id", w.msg.ID.String()),
			)
			return
		}
	}
}

// Lost reports whether a refresh found the message no longer Processing.
func (w *HeartBeatWorker) Lost() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lost
}

// Stop ends the worker and waits for the loop to exit.
func (w *HeartBeatWorker) Stop() {
	w.once.Do(w.cancel)
	<-w.done
}
