// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes queue engine activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/nfqengine/internal/engine"
	"grimm.is/nfqengine/internal/errors"
	"grimm.is/nfqengine/internal/kernel"
)

// Recorder holds the engine metrics in its own registry. It implements
// engine.Observer.
type Recorder struct {
	registry *prometheus.Registry

	loopRuns     *prometheus.CounterVec
	loopRunning  *prometheus.GaugeVec
	receiveBytes *prometheus.CounterVec
	packets      *prometheus.CounterVec
	verdicts     *prometheus.CounterVec

	rulePackets *prometheus.GaugeVec
	ruleBytes   *prometheus.GaugeVec
	ruleRate    *prometheus.GaugeVec
}

// NewRecorder creates a Recorder with the Go and process collectors registered.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		loopRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nfq_loop_runs_total",
			Help: "Finished queue loops by exit status.",
		}, []string{"queue", "status"}),
		loopRunning: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nfq_loop_running",
			Help: "1 while the queue loop is running.",
		}, []string{"queue"}),
		receiveBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nfq_receive_bytes_total",
			Help: "Bytes read from the queue socket.",
		}, []string{"queue"}),
		packets: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nfq_packets_total",
			Help: "Packets handed to the handler by result.",
		}, []string{"queue", "result"}),
		verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nfq_verdicts_total",
			Help: "Verdicts decided by type.",
		}, []string{"queue", "verdict"}),
		rulePackets: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nfq_rule_packets",
			Help: "Packets matched by the nftables steering rule.",
		}, []string{"queue"}),
		ruleBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nfq_rule_bytes",
			Help: "Bytes matched by the nftables steering rule.",
		}, []string{"queue"}),
		ruleRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nfq_rule_packets_per_second",
			Help: "Steering rule packet rate over the last collection interval.",
		}, []string{"queue"}),
	}
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func label(queue uint16) string { return strconv.Itoa(int(queue)) }

// LoopStarted implements engine.Observer.
func (r *Recorder) LoopStarted(queue uint16) {
	r.loopRunning.WithLabelValues(label(queue)).Set(1)
}

// LoopStopped implements engine.Observer.
func (r *Recorder) LoopStopped(queue uint16, status engine.Status) {
	r.loopRunning.WithLabelValues(label(queue)).Set(0)
	r.loopRuns.WithLabelValues(label(queue), status.String()).Inc()
}

// BytesReceived implements engine.Observer.
func (r *Recorder) BytesReceived(queue uint16, n int) {
	r.receiveBytes.WithLabelValues(label(queue)).Add(float64(n))
}

// PacketHandled implements engine.Observer.
func (r *Recorder) PacketHandled(queue uint16, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrNoHeader):
		result = "no_header"
	default:
		result = "error"
	}
	r.packets.WithLabelValues(label(queue), result).Inc()
}

// WrapVerdict counts the verdicts fn decides for queue.
func (r *Recorder) WrapVerdict(queue uint16, fn engine.VerdictFunc) engine.VerdictFunc {
	return func(pkt *kernel.Packet) kernel.Verdict {
		v := fn(pkt)
		r.verdicts.WithLabelValues(label(queue), v.Type.String()).Inc()
		return v
	}
}

// SetRuleCounters publishes the steering rule counters and their rate.
func (r *Recorder) SetRuleCounters(queue uint16, packets, bytes uint64, rate float64) {
	r.rulePackets.WithLabelValues(label(queue)).Set(float64(packets))
	r.ruleBytes.WithLabelValues(label(queue)).Set(float64(bytes))
	r.ruleRate.WithLabelValues(label(queue)).Set(rate)
}
