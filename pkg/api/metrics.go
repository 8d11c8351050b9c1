package api

import (
	"github.com/prometheus/client_golang/prometheus"
)

// nicshellCollector implements prometheus.Collector, reading the live
// counters on each scrape rather than maintaining parallel metric state.
type nicshellCollector struct {
	srv *Server

	// Device counters
	rxFramesTotal  *prometheus.Desc
	rxInvalidTotal *prometheus.Desc
	txFramesTotal  *prometheus.Desc
	txDroppedTotal *prometheus.Desc
	ringPollsTotal *prometheus.Desc

	// Pipeline counters
	framesTotal   *prometheus.Desc
	dropsTotal    *prometheus.Desc
	authTotal     *prometheus.Desc
	commandsTotal *prometheus.Desc
	repliesTotal  *prometheus.Desc

	// Session gauges and lifetime counters
	sessionsActive       *prometheus.Desc
	sessionsCreatedTotal *prometheus.Desc
	sessionsEvictedTotal *prometheus.Desc

	devicePresent *prometheus.Desc
}

func newCollector(srv *Server) *nicshellCollector {
	return &nicshellCollector{
		srv: srv,

		rxFramesTotal: prometheus.NewDesc(
			"nicshell_device_rx_frames_total",
			"Frames received from the ring buffer.",
			nil, nil,
		),
		rxInvalidTotal: prometheus.NewDesc(
			"nicshell_device_rx_invalid_total",
			"Ring entries skipped for bad status or length.",
			nil, nil,
		),
		txFramesTotal: prometheus.NewDesc(
			"nicshell_device_tx_frames_total",
			"Frames programmed for transmit.",
			nil, nil,
		),
		txDroppedTotal: prometheus.NewDesc(
			"nicshell_device_tx_dropped_total",
			"Transmit requests dropped.",
			nil, nil,
		),
		ringPollsTotal: prometheus.NewDesc(
			"nicshell_device_ring_polls_total",
			"Receive polls issued to the device.",
			nil, nil,
		),
		framesTotal: prometheus.NewDesc(
			"nicshell_frames_total",
			"Frames entering the packet pipeline.",
			nil, nil,
		),
		dropsTotal: prometheus.NewDesc(
			"nicshell_drops_total",
			"Frames dropped by the pipeline, by reason.",
			[]string{"reason"}, nil,
		),
		authTotal: prometheus.NewDesc(
			"nicshell_auth_attempts_total",
			"Authentication attempts, by result.",
			[]string{"result"}, nil,
		),
		commandsTotal: prometheus.NewDesc(
			"nicshell_commands_total",
			"Commands executed for authenticated sessions.",
			nil, nil,
		),
		repliesTotal: prometheus.NewDesc(
			"nicshell_replies_total",
			"Reply frames sent.",
			nil, nil,
		),
		sessionsActive: prometheus.NewDesc(
			"nicshell_sessions_active",
			"Sessions currently active.",
			nil, nil,
		),
		sessionsCreatedTotal: prometheus.NewDesc(
			"nicshell_sessions_created_total",
			"Sessions created since start.",
			nil, nil,
		),
		sessionsEvictedTotal: prometheus.NewDesc(
			"nicshell_sessions_evicted_total",
			"Sessions released or evicted since start.",
			nil, nil,
		),
		devicePresent: prometheus.NewDesc(
			"nicshell_device_present",
			"Whether the NIC was found and initialized (1 or 0).",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *nicshellCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.rxFramesTotal
	ch <- c.rxInvalidTotal
	ch <- c.txFramesTotal
	ch <- c.txDroppedTotal
	ch <- c.ringPollsTotal
	ch <- c.framesTotal
	ch <- c.dropsTotal
	ch <- c.authTotal
	ch <- c.commandsTotal
	ch <- c.repliesTotal
	ch <- c.sessionsActive
	ch <- c.sessionsCreatedTotal
	ch <- c.sessionsEvictedTotal
	ch <- c.devicePresent
}

// Collect implements prometheus.Collector.
func (c *nicshellCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.srv.statistics()

	counter := func(desc *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}

	counter(c.rxFramesTotal, stats.Device.RxFrames)
	counter(c.rxInvalidTotal, stats.Device.RxInvalid)
	counter(c.txFramesTotal, stats.Device.TxFrames)
	counter(c.txDroppedTotal, stats.Device.TxDropped)
	counter(c.ringPollsTotal, stats.Device.RingPolls)

	counter(c.framesTotal, stats.Pipeline.Frames)
	counter(c.dropsTotal, stats.Pipeline.NonIPv4, "non_ipv4")
	counter(c.dropsTotal, stats.Pipeline.NonTCP, "non_tcp")
	counter(c.dropsTotal, stats.Pipeline.OtherPort, "other_port")
	counter(c.dropsTotal, stats.Pipeline.Malformed, "malformed")
	counter(c.dropsTotal, stats.Pipeline.TableFull, "table_full")
	counter(c.dropsTotal, stats.Pipeline.NoSession, "no_session")
	counter(c.authTotal, stats.Pipeline.AuthOK, "ok")
	counter(c.authTotal, stats.Pipeline.AuthFail, "fail")
	counter(c.commandsTotal, stats.Pipeline.Commands)
	counter(c.repliesTotal, stats.Pipeline.Sent)

	ch <- prometheus.MustNewConstMetric(c.sessionsActive, prometheus.GaugeValue,
		float64(stats.Sessions.Active))
	counter(c.sessionsCreatedTotal, stats.Sessions.Created)
	counter(c.sessionsEvictedTotal, stats.Sessions.Evicted)

	present := 0.0
	if c.srv.device.Present() {
		present = 1
	}
	ch <- prometheus.MustNewConstMetric(c.devicePresent, prometheus.GaugeValue, present)
}