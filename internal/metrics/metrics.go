// Package metrics exports prometheus collectors for the chain and the
// mempool.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ledger"

// Metrics groups the collectors updated by the node.
type Metrics struct {
	BestHeight     prometheus.Gauge
	BestScore      prometheus.Gauge
	BlocksAccepted *prometheus.CounterVec
	Rejections     *prometheus.CounterVec
	Reorgs         prometheus.Counter
	ReorgDepth     prometheus.Histogram
	MempoolSize    prometheus.Gauge
	FlushedBlocks  prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BestHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_height",
			Help:      "Height of the best chain.",
		}),
		BestScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_score",
			Help:      "Cumulative score of the best chain.",
		}),
		BlocksAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_accepted_total",
			Help:      "Blocks added to the block tree, by consensus kind.",
		}, []string{"kind"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Rejected submissions, by object and rule.",
		}, []string{"object", "code"}),
		Reorgs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reorgs_total",
			Help:      "Best chain switches that detached blocks.",
		}),
		ReorgDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reorg_depth",
			Help:      "Blocks detached per reorg.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 50, 100},
		}),
		MempoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mempool_size",
			Help:      "Transactions waiting in the mempool.",
		}),
		FlushedBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushed_blocks_total",
			Help:      "Blocks moved from memory to the store.",
		}),
	}

	reg.MustRegister(
		m.BestHeight, m.BestScore, m.BlocksAccepted, m.Rejections,
		m.Reorgs, m.ReorgDepth, m.MempoolSize, m.FlushedBlocks,
	)
	return m
}

// Discard returns collectors that are not registered anywhere.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}
