package metrics

import (
	"time"

	"github.com/oshpc/laasd/pkg/storage"
	"github.com/oshpc/laasd/pkg/types"
)

// Collector periodically samples the store and populates the gauge
// metrics above. Counters and histograms are updated inline by the
// packages that produce the events they measure; Collector only handles
// the "total right now" gauges that are cheapest computed by a sweep.
type Collector struct {
	db     *storage.DB
	stopCh chan struct{}
}

// NewCollector creates a collector over db.
func NewCollector(db *storage.DB) *Collector {
	return &Collector{db: db, stopCh: make(chan struct{})}
}

// Start begins periodic collection on its own goroutine.
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

// Stop ends periodic collection.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	_ = c.db.View(func(tx *storage.Tx) error {
		c.collectHandles(tx)
		c.collectAllocations(tx)
		c.collectAggregates(tx)
		c.collectTasks(tx)
		return nil
	})
}

func (c *Collector) collectHandles(tx *storage.Tx) {
	handles, err := storage.ResourceHandles.List(tx)
	if err != nil {
		return
	}
	counts := map[types.ResourceKind]int{}
	for _, h := range handles {
		counts[h.Kind]++
	}
	for kind, n := range counts {
		ResourceHandlesTotal.WithLabelValues(string(kind)).Set(float64(n))
	}
}

func (c *Collector) collectAllocations(tx *storage.Tx) {
	allocs, err := storage.Allocations.List(tx)
	if err != nil {
		return
	}
	handles, err := storage.ResourceHandles.List(tx)
	if err != nil {
		return
	}
	kindByHandle := map[string]types.ResourceKind{}
	for _, h := range handles {
		kindByHandle[h.ID] = h.Kind
	}
	type key struct {
		kind   types.ResourceKind
		reason types.AllocationReason
	}
	counts := map[key]int{}
	for _, a := range allocs {
		if !a.Live() {
			continue
		}
		counts[key{kindByHandle[a.HandleID], a.Reason}]++
	}
	for k, n := range counts {
		LiveAllocationsTotal.WithLabelValues(string(k.kind), string(k.reason)).Set(float64(n))
	}
}

func (c *Collector) collectAggregates(tx *storage.Tx) {
	aggs, err := storage.Aggregates.List(tx)
	if err != nil {
		return
	}
	counts := map[types.AggregateState]int{}
	for _, a := range aggs {
		counts[a.State]++
	}
	for state, n := range counts {
		AggregatesTotal.WithLabelValues(string(state)).Set(float64(n))
	}
}

func (c *Collector) collectTasks(tx *storage.Tx) {
	tasks, err := storage.RuntimeTasks.List(tx)
	if err != nil {
		return
	}
	counts := map[types.TaskState]int{}
	for _, t := range tasks {
		counts[t.State]++
	}
	for state, n := range counts {
		TasksTotal.WithLabelValues(string(state)).Set(float64(n))
	}
}
