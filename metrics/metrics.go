// Package metrics exposes Prometheus instrumentation for oram.ORAM and
// ofs.Store. Collectors are owned by one constructor rather than living
// as package-level variables registered in an init, so a caller can
// register them with whatever registry it likes.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector groups every counter/gauge a Path-ORAM or OFS instance
// reports against. A nil *Collector is a valid no-op value: every method
// on it tolerates a nil receiver, so oram.ORAM and ofs.Store can take an
// optional *Collector constructor argument without a separate enabled
// flag.
type Collector struct {
	bytesMoved   *prometheus.CounterVec
	pathsFetched *prometheus.CounterVec
	evictions    *prometheus.CounterVec
	stashSize    *prometheus.GaugeVec
	levelBytes   *prometheus.CounterVec
}

// New builds a Collector with its own private collectors, registered
// against reg (pass prometheus.DefaultRegisterer for the global
// registry).
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		bytesMoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oblivious_bytes_moved_total",
			Help: "Ciphertext bytes moved to or from the backend.",
		}, []string{"store"}),
		pathsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oblivious_paths_fetched_total",
			Help: "Path-ORAM root-to-leaf path fetches, real and dummy.",
		}, []string{"store"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oblivious_evictions_total",
			Help: "Completed EvictAll calls.",
		}, []string{"store"}),
		stashSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "oblivious_stash_size",
			Help: "Blocks currently held in a Path-ORAM's local stash.",
		}, []string{"store"}),
		levelBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ofs_level_bytes_total",
			Help: "Ciphertext bytes moved per OFS level.",
		}, []string{"level"}),
	}
	for _, coll := range []prometheus.Collector{c.bytesMoved, c.pathsFetched, c.evictions, c.stashSize, c.levelBytes} {
		if err := reg.Register(coll); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) BytesMoved(store string, n uint64) {
	if c == nil {
		return
	}
	c.bytesMoved.WithLabelValues(store).Add(float64(n))
}

func (c *Collector) PathFetched(store string) {
	if c == nil {
		return
	}
	c.pathsFetched.WithLabelValues(store).Inc()
}

func (c *Collector) Eviction(store string) {
	if c == nil {
		return
	}
	c.evictions.WithLabelValues(store).Inc()
}

func (c *Collector) StashSize(store string, n int) {
	if c == nil {
		return
	}
	c.stashSize.WithLabelValues(store).Set(float64(n))
}

func (c *Collector) LevelBytesMoved(level string, n uint64) {
	if c == nil {
		return
	}
	c.levelBytes.WithLabelValues(level).Add(float64(n))
}
