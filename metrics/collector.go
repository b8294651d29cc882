package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Adarsh-Kmt/DragonCore/buffercache"
	"github.com/Adarsh-Kmt/DragonCore/pageallocator"
)

const namespace = "dragoncore"

// PageAllocatorSource is anything reporting page allocator statistics.
type PageAllocatorSource interface {
	Stats() pageallocator.Stats
}

// BufferCacheSource is anything reporting buffer cache statistics.
type BufferCacheSource interface {
	Stats() buffercache.Stats
}

var (
	freePagesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pages", "free"),
		"Number of free page frames in a CPU's free list.",
		[]string{"cpu"}, nil,
	)
	pageAllocationsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pages", "allocations_total"),
		"Number of page frames handed out.",
		nil, nil,
	)
	pageFreesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pages", "frees_total"),
		"Number of page frames returned.",
		nil, nil,
	)
	pageStealsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pages", "steals_total"),
		"Number of allocations served from another CPU's free list.",
		nil, nil,
	)
	pageFailuresDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pages", "allocation_failures_total"),
		"Number of allocations that found no free page on any CPU.",
		nil, nil,
	)
	buffersDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "bcache", "buffers"),
		"Number of buffers in the buffer cache.",
		nil, nil,
	)
	lookupsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "bcache", "lookups_total"),
		"Number of block lookups, by result.",
		[]string{"result"}, nil,
	)
	migrationsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "bcache", "migrations_total"),
		"Number of buffers moved between buckets.",
		nil, nil,
	)
	diskOpsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "bcache", "disk_operations_total"),
		"Number of block transfers issued by the buffer cache, by direction.",
		[]string{"op"}, nil,
	)
)

// Collector exports the statistics of a page allocator and a buffer cache. Either source may be nil.
type Collector struct {
	allocator PageAllocatorSource
	cache     BufferCacheSource
}

var _ prometheus.Collector = &Collector{}

func NewCollector(allocator PageAllocatorSource, cache BufferCacheSource) *Collector {
	return &Collector{
		allocator: allocator,
		cache:     cache,
	}
}

// Register registers the collector with registry.
func (c *Collector) Register(registry prometheus.Registerer) error {
	return registry.Register(c)
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {

	if c.allocator != nil {
		ch <- freePagesDesc
		ch <- pageAllocationsDesc
		ch <- pageFreesDesc
		ch <- pageStealsDesc
		ch <- pageFailuresDesc
	}

	if c.cache != nil {
		ch <- buffersDesc
		ch <- lookupsDesc
		ch <- migrationsDesc
		ch <- diskOpsDesc
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {

	if c.allocator != nil {

		stats := c.allocator.Stats()

		for cpu, free := range stats.FreePages {
			ch <- prometheus.MustNewConstMetric(freePagesDesc, prometheus.GaugeValue, float64(free), strconv.Itoa(cpu))
		}

		ch <- prometheus.MustNewConstMetric(pageAllocationsDesc, prometheus.CounterValue, float64(stats.Allocations))
		ch <- prometheus.MustNewConstMetric(pageFreesDesc, prometheus.CounterValue, float64(stats.Frees))
		ch <- prometheus.MustNewConstMetric(pageStealsDesc, prometheus.CounterValue, float64(stats.Steals))
		ch <- prometheus.MustNewConstMetric(pageFailuresDesc, prometheus.CounterValue, float64(stats.Failures))
	}

	if c.cache != nil {

		stats := c.cache.Stats()

		ch <- prometheus.MustNewConstMetric(buffersDesc, prometheus.GaugeValue, float64(stats.Buffers))
		ch <- prometheus.MustNewConstMetric(lookupsDesc, prometheus.CounterValue, float64(stats.Hits), "hit")
		ch <- prometheus.MustNewConstMetric(lookupsDesc, prometheus.CounterValue, float64(stats.Misses), "miss")
		ch <- prometheus.MustNewConstMetric(migrationsDesc, prometheus.CounterValue, float64(stats.Migrations))
		ch <- prometheus.MustNewConstMetric(diskOpsDesc, prometheus.CounterValue, float64(stats.DiskReads), "read")
		ch <- prometheus.MustNewConstMetric(diskOpsDesc, prometheus.CounterValue, float64(stats.DiskWrites), "write")
	}
}
