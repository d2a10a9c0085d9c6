package raftkv

import "github.com/VictoriaMetrics/metrics"

var (
	clientRequests    = metrics.NewCounter(`raftkv_client_requests_total`)
	clientRetries     = metrics.NewCounter(`raftkv_client_retries_total`)
	clientDiscoveries = metrics.NewCounter(`raftkv_client_discoveries_total`)
	clientRedirects   = metrics.NewCounter(`raftkv_client_redirects_total`)

	nodeCommands       = metrics.NewCounter(`raftkv_node_commands_total`)
	nodeAppendRejected = metrics.NewCounter(`raftkv_node_append_rejected_total`)
)
