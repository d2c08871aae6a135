// Package metrics exposes p4node's Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "p4node"

// Result label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Registry holds every p4node metric. It is separate from the
// default registry so tests and embedders see only p4node series.
var Registry = prometheus.NewRegistry()

var (
	writeUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_updates_total",
			Help:      "Count of P4Runtime write updates by entity kind, update type and result.",
		},
		[]string{"node_id", "entity", "type", "result"},
	)
	readRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_requests_total",
			Help:      "Count of P4Runtime read requests by result.",
		},
		[]string{"node_id", "result"},
	)
	pipelinePushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_pushes_total",
			Help:      "Count of forwarding pipeline pushes by result.",
		},
		[]string{"node_id", "result"},
	)
	packets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_total",
			Help:      "Count of packets exchanged with the controller by direction.",
		},
		[]string{"node_id", "direction"},
	)
	nodeReady = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_ready",
			Help:      "Whether a node has accepted its chassis config (1) or not (0).",
		},
		[]string{"node_id"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_duration_seconds",
			Help:      "P4Runtime RPC latency in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"method", "code"},
	)
)

var registerMetrics sync.Once

// Register registers all metrics with Registry. It is safe to call
// more than once.
func Register() {
	registerMetrics.Do(func() {
		Registry.MustRegister(writeUpdates)
		Registry.MustRegister(readRequests)
		Registry.MustRegister(pipelinePushes)
		Registry.MustRegister(packets)
		Registry.MustRegister(nodeReady)
		Registry.MustRegister(rpcDuration)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	Register()
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

func nodeLabel(nodeID uint64) string {
	return strconv.FormatUint(nodeID, 10)
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}

// RecordWriteUpdate counts one update of a write request.
func RecordWriteUpdate(nodeID uint64, entity, typ string, err error) {
	writeUpdates.WithLabelValues(nodeLabel(nodeID), entity, typ, result(err)).Inc()
}

// RecordRead counts one read request.
func RecordRead(nodeID uint64, err error) {
	readRequests.WithLabelValues(nodeLabel(nodeID), result(err)).Inc()
}

// RecordPipelinePush counts one forwarding pipeline push.
func RecordPipelinePush(nodeID uint64, err error) {
	pipelinePushes.WithLabelValues(nodeLabel(nodeID), result(err)).Inc()
}

// RecordPacketIn counts a packet punted to the controller.
func RecordPacketIn(nodeID uint64) {
	packets.WithLabelValues(nodeLabel(nodeID), "in").Inc()
}

// RecordPacketOut counts a packet sent by the controller.
func RecordPacketOut(nodeID uint64) {
	packets.WithLabelValues(nodeLabel(nodeID), "out").Inc()
}

// SetNodeReady records whether a node is initialized.
func SetNodeReady(nodeID uint64, ready bool) {
	v := 0.0
	if ready {
		v = 1
	}
	nodeReady.WithLabelValues(nodeLabel(nodeID)).Set(v)
}

// RecordRPC observes the latency of one RPC.
func RecordRPC(method, code string, d time.Duration) {
	rpcDuration.WithLabelValues(method, code).Observe(d.Seconds())
}
