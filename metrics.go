package pcf

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricPcfErrorCount          = []string{"pcf", "error", "count"}
	MetricPcfNoticeCount         = []string{"pcf", "notice", "count"}
	MetricPcfEventDroppedCount   = []string{"pcf", "event", "dropped", "count"}
	MetricPcfPeerRegisteredCount = []string{"pcf", "peer", "registered", "count"}
	MetricPcfPeerFailedCount     = []string{"pcf", "peer", "failed", "count"}
	MetricPcfPoolSize            = []string{"pcf", "pool", "size"}
	MetricPcfSendCount           = []string{"pcf", "send", "count"}
	MetricPcfSendErrorCount      = []string{"pcf", "send", "error", "count"}
	MetricPcfSendLatencyMs       = []string{"pcf", "send", "latency", "ms"}
	MetricPcfInboundCount        = []string{"pcf", "inbound", "count"}
	MetricPcfScanCount           = []string{"pcf", "discovery", "scan", "count"}
	MetricPcfConnEstCount        = []string{"pcf", "connection", "established", "count"}
	MetricPcfConnErrorCount      = []string{"pcf", "connection", "error", "count"}
	MetricPcfFrameOutBytes       = []string{"pcf", "frame", "out", "bytes"}
	MetricPcfFrameInBytes        = []string{"pcf", "frame", "in", "bytes"}
)

type TelemetryLabel string

var (
	LabelError     TelemetryLabel = "error"
	LabelComponent TelemetryLabel = "component"
	LabelPeerAddr  TelemetryLabel = "peer_addr"
	LabelPeerName  TelemetryLabel = "peer_name"
	LabelMsgType   TelemetryLabel = "msg_type"
	LabelMsgID     TelemetryLabel = "msg_id"
	LabelKind      TelemetryLabel = "transport"
	LabelState     TelemetryLabel = "state"
	LabelDuration  TelemetryLabel = "duration"
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

// withLabels appends per-call labels to the static ones without aliasing
// the static slice.
func withLabels(static []metrics.Label, labels ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(static)+len(labels))
	out = append(out, static...)
	return append(out, labels...)
}
