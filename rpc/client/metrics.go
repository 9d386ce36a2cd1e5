package client

import (
	"fmt"
	"github.com/VictoriaMetrics/metrics"
)

var (
	roundsTotal              = metrics.GetOrCreateCounter(`dstor_rpc_rounds_total`)
	pollsTotal               = metrics.GetOrCreateCounter(`dstor_rpc_polls_total`)
	pollTimeoutsTotal        = metrics.GetOrCreateCounter(`dstor_rpc_poll_timeouts_total`)
	retriesTotal             = metrics.GetOrCreateCounter(`dstor_rpc_retries_total`)
	failoversTotal           = metrics.GetOrCreateCounter(`dstor_rpc_buddy_failovers_total`)
	invariantViolationsTotal = metrics.GetOrCreateCounter(`dstor_rpc_invariant_violations_total`)
)

// sessionsCounter counts finished sessions per operation and outcome
func sessionsCounter(op string, ok bool) *metrics.Counter {
	outcome := "success"
	if !ok {
		outcome = "error"
	}
	return metrics.GetOrCreateCounter(fmt.Sprintf(`dstor_rpc_sessions_total{op=%q,outcome=%q}`, op, outcome))
}

// bytesCounter counts payload bytes transferred per operation
func bytesCounter(op string) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`dstor_rpc_bytes_total{op=%q}`, op))
}
