package arbor

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	// MetricArborPacketInCount counts packets received from tree
	// neighbours.
	MetricArborPacketInCount      = []string{"arbor", "packet", "in", "count"}
	MetricArborPacketOutCount     = []string{"arbor", "packet", "out", "count"}
	MetricArborPacketOutError     = []string{"arbor", "packet", "out", "error", "count"}
	MetricArborPacketDropCount    = []string{"arbor", "packet", "drop", "count"}
	MetricArborFilterErrorCount   = []string{"arbor", "filter", "error", "count"}
	MetricArborStreamCount        = []string{"arbor", "stream", "count"}
	MetricArborChildCount         = []string{"arbor", "child", "count"}
	MetricArborChildFailureCount  = []string{"arbor", "child", "failure", "count"}
	MetricArborRecoveryCount      = []string{"arbor", "recovery", "count"}
	MetricArborRecoveryErrorCount = []string{"arbor", "recovery", "error", "count"}
	MetricArborRecoveryDuration   = []string{"arbor", "recovery", "duration", "ms"}
	MetricArborPerfData           = []string{"arbor", "perf"}

	MetricArborDatagramInBytes        = []string{"arbor", "datagram", "in", "bytes"}
	MetricArborDatagramInErrorCount   = []string{"arbor", "datagram", "in", "error", "count"}
	MetricArborDatagramOutBytes       = []string{"arbor", "datagram", "out", "bytes"}
	MetricArborDatagramOutErrorCount  = []string{"arbor", "datagram", "out", "error", "count"}
	MetricArborStreamEstInCount       = []string{"arbor", "stream", "establishment", "in", "count"}
	MetricArborStreamEstInErrorCount  = []string{"arbor", "stream", "establishment", "in", "error", "count"}
	MetricArborStreamEstOutCount      = []string{"arbor", "stream", "establishment", "out", "count"}
	MetricArborStreamEstOutErrorCount = []string{"arbor", "stream", "establishment", "out", "error", "count"}
	MetricArborUDPBufferSizeBytes     = []string{"arbor", "udp", "buffer", "size", "bytes"}
	MetricArborConnErrorCount         = []string{"arbor", "connection", "error", "count"}
	MetricArborConnEstCount           = []string{"arbor", "connection", "established", "count"}
)

type TelemetryLabel string

var (
	LabelError       TelemetryLabel = "error"
	LabelDuration    TelemetryLabel = "duration"
	LabelPeerAddr    TelemetryLabel = "peer_addr"
	LabelPeerName    TelemetryLabel = "peer_name"
	LabelPeerRank    TelemetryLabel = "peer_rank"
	LabelRank        TelemetryLabel = "rank"
	LabelStreamMode  TelemetryLabel = "stream_mode"
	LabelStreamID    TelemetryLabel = "stream_id"
	LabelTag         TelemetryLabel = "tag"
	LabelFilter      TelemetryLabel = "filter"
	LabelStrategy    TelemetryLabel = "strategy"
	LabelPerfMetric  TelemetryLabel = "perf_metric"
	LabelPerfContext TelemetryLabel = "perf_context"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
