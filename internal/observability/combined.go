package observability

import (
	"context"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/rs/zerolog/log"
)

// AgentMetricsClient defines the minimal interface required to fetch agent metrics.
type AgentMetricsClient interface {
	FetchMetrics(ctx context.Context) ([]byte, error)
}

// NewCombinedMetricsHandler writes g in the text exposition format followed by
// the agent's metrics when an agent is configured and reachable. The output is
// always text so the agent body can be appended verbatim.
func NewCombinedMetricsHandler(g prom.Gatherer, agentClient AgentMetricsClient) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		enc := expfmt.NewEncoder(w, expfmt.FmtText)
		mfs, err := g.Gather()
		if err != nil {
			log.Warn().Err(err).Msg("gather metrics")
		}
		for _, mf := range mfs {
			_ = enc.Encode(mf)
		}

		if agentClient == nil {
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()
		data, err := agentClient.FetchMetrics(ctx)
		if err != nil {
			_, _ = w.Write([]byte("# agent metrics unavailable: " + err.Error() + "\n"))
			return
		}
		if len(data) > 0 {
			_, _ = w.Write([]byte("# --- agent metrics below ---\n"))
			_, _ = w.Write(data)
		}
	})
}
