package porta

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricUnitCreatedCount  = []string{"porta", "unit", "created", "count"}
	MetricUnitRemovedCount  = []string{"porta", "unit", "removed", "count"}
	MetricUnits             = []string{"porta", "units"}
	MetricListenerAccepts   = []string{"porta", "listener", "accept", "count"}
	MetricReapCount         = []string{"porta", "unit", "reaped", "count"}
	MetricSendCount         = []string{"porta", "send", "count"}
	MetricSendErrorCount    = []string{"porta", "send", "error", "count"}
	MetricSendDropCount     = []string{"porta", "send", "drop", "count"}
	MetricSendBytes         = []string{"porta", "send", "bytes"}
	MetricRecvBytes         = []string{"porta", "recv", "bytes"}
	MetricInflightPackets   = []string{"porta", "packets", "inflight"}
	MetricAdminCommandCount = []string{"porta", "admin", "command", "count"}
	MetricDisconnectCount   = []string{"porta", "unit", "disconnect", "count"}
	MetricRegistryRecords   = []string{"porta", "registry", "records"}
)

type TelemetryLabel string

var (
	LabelError     TelemetryLabel = "error"
	LabelPortName  TelemetryLabel = "port_name"
	LabelPeerName  TelemetryLabel = "peer_name"
	LabelCarrier   TelemetryLabel = "carrier"
	LabelDirection TelemetryLabel = "direction"
	LabelUnitIndex TelemetryLabel = "unit_index"
	LabelMode      TelemetryLabel = "mode"
	LabelCommand   TelemetryLabel = "command"
	LabelDuration  TelemetryLabel = "duration"
	LabelNodeName  TelemetryLabel = "node_name"
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
