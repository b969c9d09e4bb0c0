package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_security_events_total",
		Help: "Total number of security events reported, by event type",
	}, []string{"event_type"})
	incidentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_incidents_total",
		Help: "Total number of incidents created, by severity",
	}, []string{"severity"})
	blocksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_ip_blocks_total",
		Help: "Total number of IP blocks applied or extended, by block type",
	}, []string{"block_type"})
	unblocksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aegis_ip_unblocks_total",
		Help: "Total number of IPs unblocked",
	})
	fastChecksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aegis_fast_checks_total",
		Help: "Total number of fast block checks served",
	})
	fastCheckBlockedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aegis_fast_checks_blocked_total",
		Help: "Total number of fast block checks that reported blocked",
	})
	fastCheckFailOpenTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aegis_fast_checks_fail_open_total",
		Help: "Total number of fast block checks that failed open on a cache error",
	})
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(
		eventsTotal,
		incidentsTotal,
		blocksTotal,
		unblocksTotal,
		fastChecksTotal,
		fastCheckBlockedTotal,
		fastCheckFailOpenTotal,
	)
}

// IncEvent counts a reported security event.
func IncEvent(eventType string) { eventsTotal.WithLabelValues(eventType).Inc() }

// IncIncident counts a created incident.
func IncIncident(severity string) { incidentsTotal.WithLabelValues(severity).Inc() }

// IncBlock counts an applied or extended IP block.
func IncBlock(blockType string) { blocksTotal.WithLabelValues(blockType).Inc() }

// IncUnblock counts an explicit unblock.
func IncUnblock() { unblocksTotal.Inc() }

// IncFastCheck counts a served fast check.
func IncFastCheck() { fastChecksTotal.Inc() }

// IncFastCheckBlocked counts a fast check that reported blocked.
func IncFastCheckBlocked() { fastCheckBlockedTotal.Inc() }

// IncFastCheckFailOpen counts a fast check that failed open.
func IncFastCheckFailOpen() { fastCheckFailOpenTotal.Inc() }
