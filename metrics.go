package busrpc

import (
	"github.com/hashicorp/go-metrics"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("busrpc")

var (
	MetricCallStartedCount = []string{"busrpc", "call", "started", "count"}
	MetricCallFailedCount  = []string{"busrpc", "call", "failed", "count"}
	MetricCallInFlight     = []string{"busrpc", "call", "inflight"}
	MetricCallDuration     = []string{"busrpc", "call", "duration"}
	MetricPumpStepCount    = []string{"busrpc", "pump", "step", "count"}
	MetricPumpErrorCount   = []string{"busrpc", "pump", "error", "count"}
	// MetricDecodeSkippedCount counts values that were dropped while
	// decoding because their wire type has no Value representation.
	MetricDecodeSkippedCount = []string{"busrpc", "decode", "skipped", "count"}
)

type TelemetryLabel string

var (
	LabelMember  TelemetryLabel = "member"
	LabelError   TelemetryLabel = "error"
	LabelSession TelemetryLabel = "session"
	LabelType    TelemetryLabel = "type"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}
