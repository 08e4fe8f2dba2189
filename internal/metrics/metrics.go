// Package metrics exposes the engine's operational state as a prometheus
// collector gathered at scrape time.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/corazonn/amor/internal/osc"
)

// BeatSource exposes the processor's beat output counter.
type BeatSource interface {
	BeatsPublished() uint64
}

// VoiceSource exposes the mixer's voice state.
type VoiceSource interface {
	ActiveVoices() int
	VoicesStarted() uint64
}

// LoopSource exposes the loop manager's active counts.
type LoopSource interface {
	ActiveCounts() (latching, momentary int)
}

// Collector gathers installation metrics at scrape time. Any source may
// be nil when its subsystem is disabled.
type Collector struct {
	beats     BeatSource
	voices    VoiceSource
	loops     LoopSource
	stats     map[string]*osc.Stats
	startTime time.Time

	beatsDesc       *prometheus.Desc
	voicesDesc      *prometheus.Desc
	voicesTotalDesc *prometheus.Desc
	loopsDesc       *prometheus.Desc
	messageDesc     *prometheus.Desc
	uptimeDesc      *prometheus.Desc
}

// NewCollector creates a collector over the given sources. stats maps a
// subsystem label to its counter set.
func NewCollector(beats BeatSource, voices VoiceSource, loops LoopSource, stats map[string]*osc.Stats, startTime time.Time) *Collector {
	return &Collector{
		beats:     beats,
		voices:    voices,
		loops:     loops,
		stats:     stats,
		startTime: startTime,

		beatsDesc: prometheus.NewDesc(
			"amor_beats_published_total",
			"Beats published across all channels",
			nil, nil,
		),
		voicesDesc: prometheus.NewDesc(
			"amor_mixer_active_voices",
			"Voices currently playing in the mixer",
			nil, nil,
		),
		voicesTotalDesc: prometheus.NewDesc(
			"amor_mixer_voices_started_total",
			"Voices started since boot",
			nil, nil,
		),
		loopsDesc: prometheus.NewDesc(
			"amor_loops_active",
			"Active ambient loops by type",
			[]string{"type"}, nil,
		),
		messageDesc: prometheus.NewDesc(
			"amor_messages_total",
			"Bus message counters by subsystem and kind",
			[]string{"subsystem", "kind"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"amor_uptime_seconds",
			"Seconds since the engine started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.beatsDesc
	ch <- c.voicesDesc
	ch <- c.voicesTotalDesc
	ch <- c.loopsDesc
	ch <- c.messageDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.beats != nil {
		ch <- prometheus.MustNewConstMetric(
			c.beatsDesc, prometheus.CounterValue,
			float64(c.beats.BeatsPublished()),
		)
	}
	if c.voices != nil {
		ch <- prometheus.MustNewConstMetric(
			c.voicesDesc, prometheus.GaugeValue,
			float64(c.voices.ActiveVoices()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.voicesTotalDesc, prometheus.CounterValue,
			float64(c.voices.VoicesStarted()),
		)
	}
	if c.loops != nil {
		latching, momentary := c.loops.ActiveCounts()
		ch <- prometheus.MustNewConstMetric(
			c.loopsDesc, prometheus.GaugeValue, float64(latching), "latching",
		)
		ch <- prometheus.MustNewConstMetric(
			c.loopsDesc, prometheus.GaugeValue, float64(momentary), "momentary",
		)
	}
	for subsystem, stats := range c.stats {
		for kind, value := range stats.Snapshot() {
			ch <- prometheus.MustNewConstMetric(
				c.messageDesc, prometheus.CounterValue,
				float64(value), subsystem, kind,
			)
		}
	}
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

var _ prometheus.Collector = (*Collector)(nil)
