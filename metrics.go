// ABOUTME: Prometheus metrics following the CoreDNS plugin convention.
// ABOUTME: Tracks DNS requests, rcodes, reloads, zone changes, NOTIFY attempts, API calls, record counts, and skipped clients.

package openvpn2dns

import (
	"github.com/coredns/coredns/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: plugin.Namespace,
	Subsystem: pluginName,
	Name:      "request_count_total",
	Help:      "Counter of DNS requests handled.",
}, []string{"zone"})

var responseCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: plugin.Namespace,
	Subsystem: pluginName,
	Name:      "response_rcode_count_total",
	Help:      "Counter of DNS responses by rcode.",
}, []string{"zone", "rcode"})

var reloadCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: plugin.Namespace,
	Subsystem: pluginName,
	Name:      "reload_count_total",
	Help:      "Counter of instance reloads by result.",
}, []string{"instance", "result"})

var zoneChangeCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: plugin.Namespace,
	Subsystem: pluginName,
	Name:      "zone_change_count_total",
	Help:      "Counter of zone content changes.",
}, []string{"zone"})

var notifyCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: plugin.Namespace,
	Subsystem: pluginName,
	Name:      "notify_count_total",
	Help:      "Counter of NOTIFY attempts by result.",
}, []string{"zone", "result"})

var apiRequestCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: plugin.Namespace,
	Subsystem: pluginName,
	Name:      "api_request_count_total",
	Help:      "Counter of REST API requests.",
}, []string{"method", "status"})

var storeRecordGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: plugin.Namespace,
	Subsystem: pluginName,
	Name:      "store_records",
	Help:      "Current number of records served per zone.",
}, []string{"zone"})

var skippedClientGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: plugin.Namespace,
	Subsystem: pluginName,
	Name:      "skipped_clients",
	Help:      "Connected clients left out of the zones because their name is not a valid host name.",
}, []string{"instance"})
