package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(lockExecutions.WithLabelValues("auto", "success"))
	RecordLockExecution("auto", "success")
	RecordLockExecution("auto", "success")
	if got := testutil.ToFloat64(lockExecutions.WithLabelValues("auto", "success")); got != before+2 {
		t.Fatalf("lock executions=%v want %v", got, before+2)
	}

	RecordGatewayCall("submit", "ok", 10*time.Millisecond)
	if got := testutil.ToFloat64(gatewayRequests.WithLabelValues("submit", "ok")); got < 1 {
		t.Fatalf("gateway requests=%v", got)
	}

	SetRiskUtilization("GRP_1", 0.25)
	if got := testutil.ToFloat64(riskUtilization.WithLabelValues("GRP_1")); got != 0.25 {
		t.Fatalf("risk utilization=%v", got)
	}
}
