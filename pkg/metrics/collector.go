package metrics

import (
	"time"

	"github.com/agent8hq/agent8ctr/pkg/process"
	"github.com/agent8hq/agent8ctr/pkg/watcher"
)

// Collector periodically samples the live registry sizes the Gateway owns
// and republishes them as gauges, the same poll-and-set shape cuemby-warren
// uses for its node/service/raft gauges.
type Collector struct {
	procs    *process.Registry
	watchers *watcher.Registry
	stopCh   chan struct{}
}

// NewCollector returns a Collector sampling procs and watchers every tick.
func NewCollector(procs *process.Registry, watchers *watcher.Registry) *Collector {
	return &Collector{
		procs:    procs,
		watchers: watchers,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics on a fixed interval in the background.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.procs != nil {
		ProcessesActive.Set(float64(c.procs.Count()))
	}
	if c.watchers != nil {
		WatchersActive.Set(float64(c.watchers.Count()))
	}
}
