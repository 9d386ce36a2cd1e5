package server

import (
	"fmt"
	"github.com/VictoriaMetrics/metrics"
)

var (
	bytesReadTotal    = metrics.GetOrCreateCounter(`dstor_server_bytes_read_total`)
	bytesWrittenTotal = metrics.GetOrCreateCounter(`dstor_server_bytes_written_total`)
	tryAgainTotal     = metrics.GetOrCreateCounter(`dstor_server_try_again_total`)
	forwardsTotal     = metrics.GetOrCreateCounter(`dstor_server_forwards_total`)
	forwardErrorTotal = metrics.GetOrCreateCounter(`dstor_server_forward_errors_total`)
)

// requestsCounter counts handled requests per message type and result
func requestsCounter(msgType fmt.Stringer, ok bool) *metrics.Counter {
	outcome := "success"
	if !ok {
		outcome = "error"
	}
	return metrics.GetOrCreateCounter(fmt.Sprintf(`dstor_server_requests_total{type=%q,outcome=%q}`, msgType, outcome))
}
