// Package liveness runs the heartbeat exchange on an open data channel and
// declares the channel dead when the peer goes quiet.
package liveness

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	DefaultInterval = time.Second
	DefaultTimeout  = 3 * time.Second
)

// Monitor sends a heartbeat every interval and, on an independent ticker,
// checks that one was received within timeout. A Monitor can be started and
// stopped repeatedly.
type Monitor struct {
	clock    clock.Clock
	interval time.Duration
	timeout  time.Duration
	send     func() error

	mu   sync.Mutex
	last time.Time
	stop chan struct{}
	wg   sync.WaitGroup
}

// New returns a stopped monitor. send is called on every heartbeat tick;
// its errors are ignored since the check ticker covers a dead channel.
func New(clk clock.Clock, interval, timeout time.Duration, send func() error) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Monitor{clock: clk, interval: interval, timeout: timeout, send: send}
}

// Start resets the last-heartbeat time to now and starts both tickers.
// onDead runs once, from the monitor's goroutine, if the timeout elapses;
// both tickers are stopped before it is called. A running monitor is
// restarted.
func (m *Monitor) Start(onDead func()) {
	m.Stop()

	m.mu.Lock()
	m.last = m.clock.Now()
	stop := make(chan struct{})
	m.stop = stop
	sendTicker := m.clock.Ticker(m.interval)
	checkTicker := m.clock.Ticker(m.interval)
	m.mu.Unlock()

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		defer sendTicker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-sendTicker.C:
				_ = m.send()
			}
		}
	}()
	go func() {
		defer m.wg.Done()
		defer checkTicker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-checkTicker.C:
				if !m.expire(stop) {
					continue
				}
				if onDead != nil {
					onDead()
				}
				return
			}
		}
	}()
}

// expire closes stop and returns true when the timeout has elapsed and this
// run is still the current one.
func (m *Monitor) expire(stop chan struct{}) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != stop {
		return false
	}
	if m.clock.Since(m.last) < m.timeout {
		return false
	}
	close(stop)
	m.stop = nil
	return true
}

// Beat records an inbound heartbeat.
func (m *Monitor) Beat() {
	m.mu.Lock()
	m.last = m.clock.Now()
	m.mu.Unlock()
}

// LastBeat returns the time of the last recorded heartbeat.
func (m *Monitor) LastBeat() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Running reports whether the tickers are active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stop != nil
}

// Stop halts both tickers. Safe to call when not running. Stop must not be
// called from onDead.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	m.mu.Unlock()
	m.wg.Wait()
}
