// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"sync"
	"time"

	"grimm.is/nfqengine/internal/logging"
)

// RuleCounters are the counter values of one nftables rule.
type RuleCounters struct {
	Packets uint64
	Bytes   uint64
}

// CounterSource reads the steering rule counters. found is false while the
// rule does not exist.
type CounterSource func() (c RuleCounters, found bool, err error)

// Collector periodically copies the steering rule counters into a Recorder.
type Collector struct {
	recorder *Recorder
	logger   *logging.Logger
	queue    uint16
	source   CounterSource
	interval time.Duration
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu          sync.Mutex
	prevPackets uint64
	prevTime    time.Time
}

// NewCollector creates a collector for queue. It does nothing until Start.
func NewCollector(logger *logging.Logger, r *Recorder, queue uint16, source CounterSource, interval time.Duration) *Collector {
	if logger == nil {
		logger = logging.WithComponent("metrics")
	}
	return &Collector{
		recorder: r,
		logger:   logger,
		queue:    queue,
		source:   source,
		interval: interval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic collection.
func (c *Collector) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop ends collection and waits for the loop to exit.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Collector) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect()
	for {
		select {
		case <-ticker.C:
			c.Collect()
		case <-c.stopCh:
			return
		}
	}
}

// Collect reads the counters once.
func (c *Collector) Collect() {
	counters, found, err := c.source()
	if err != nil {
		c.logger.Debug("Failed to read rule counters", "error", err)
		return
	}
	if !found {
		return
	}

	now := c.now()
	c.mu.Lock()
	var rate float64
	if !c.prevTime.IsZero() {
		rate = c.calculateRate(counters.Packets, c.prevPackets, now.Sub(c.prevTime).Seconds())
	}
	c.prevPackets, c.prevTime = counters.Packets, now
	c.mu.Unlock()

	c.recorder.SetRuleCounters(c.queue, counters.Packets, counters.Bytes, rate)
}

// calculateRate returns the per-second rate. A counter that went backwards
// was reset (rule re-created), so its current value is the delta.
func (c *Collector) calculateRate(current, previous uint64, elapsed float64) float64 {
	if elapsed <= 0 {
		return 0
	}
	if current < previous {
		return float64(current) / elapsed
	}
	return float64(current-previous) / elapsed
}
