package metrics

import (
	"net/http"
	"time"

	"botgate/gate-service/internal/httputil"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// StatsHandler aggregates the collectors into a JSON summary for dashboards.
func StatsHandler(g prometheus.Gatherer, started time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mfs, err := g.Gather()
		if err != nil {
			httputil.GetLogger(r.Context()).Error().Err(err).Msg("gather metrics")
			httputil.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "metrics_error"})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, Summarize(mfs, time.Since(started)))
	}
}

// Summarize folds gathered metric families into nested maps.
func Summarize(mfs []*dto.MetricFamily, uptime time.Duration) map[string]map[string]any {
	stats := map[string]map[string]any{
		"decisions":  {},
		"reasons":    {},
		"challenges": {},
		"settings":   {},
		"proxy":      {},
		"system":     {},
	}

	findMF := func(name string) *dto.MetricFamily {
		for _, mf := range mfs {
			if mf.GetName() == name {
				return mf
			}
		}
		return nil
	}
	sumBy := func(mf *dto.MetricFamily, label string, into map[string]any) {
		for _, m := range mf.Metric {
			for _, l := range m.Label {
				if l.GetName() == label {
					prev, _ := into[l.GetValue()].(float64)
					into[l.GetValue()] = prev + m.GetCounter().GetValue()
				}
			}
		}
	}
	total := func(mf *dto.MetricFamily) float64 {
		var t float64
		for _, m := range mf.Metric {
			t += m.GetCounter().GetValue()
		}
		return t
	}

	if mf := findMF("botgate_gate_decision_total"); mf != nil {
		sumBy(mf, "action", stats["decisions"])
		sumBy(mf, "reason", stats["reasons"])
	}
	if mf := findMF("botgate_challenge_rendered_total"); mf != nil {
		stats["challenges"]["rendered"] = total(mf)
	}
	if mf := findMF("botgate_rate_limit_hits_total"); mf != nil {
		stats["challenges"]["rate_limited"] = total(mf)
	}
	if mf := findMF("botgate_settings_errors_total"); mf != nil {
		stats["settings"]["errors"] = total(mf)
	}
	if mf := findMF("botgate_settings_updates_total"); mf != nil {
		stats["settings"]["updates"] = total(mf)
	}
	if mf := findMF("botgate_proxy_errors_total"); mf != nil {
		stats["proxy"]["errors"] = total(mf)
	}
	if mf := findMF("go_goroutines"); mf != nil && len(mf.Metric) > 0 {
		stats["system"]["goroutines"] = mf.Metric[0].GetGauge().GetValue()
	}
	stats["system"]["uptime_sec"] = uptime.Seconds()
	return stats
}
