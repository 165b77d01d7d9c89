package graftchat

import (
	"sync"
	"time"
)

// periodicTimer runs a trigger at a fixed interval on its own goroutine until stopped. A trigger that
// overruns the interval delays the next one rather than overlapping it.
type periodicTimer struct {
	interval time.Duration
	stopCh   chan struct{}
	once     sync.Once
}

func newTimer(interval time.Duration) *periodicTimer {
	return &periodicTimer{
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

func (t *periodicTimer) start(trigger func()) {
	go func() {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				trigger()
			case <-t.stopCh:
				return
			}
		}
	}()
}

func (t *periodicTimer) stop() {
	t.once.Do(func() {
		close(t.stopCh)
	})
}
