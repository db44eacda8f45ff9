package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Summary aggregates the gate and proxy collectors into a flat map for the
// admin stats endpoint.
func Summary(g prometheus.Gatherer) (map[string]map[string]float64, error) {
	mfs, err := g.Gather()
	if err != nil {
		return nil, err
	}

	stats := map[string]map[string]float64{
		"decisions":  {},
		"challenges": {},
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
	label := func(m *dto.Metric, name string) string {
		for _, l := range m.GetLabel() {
			if l.GetName() == name {
				return l.GetValue()
			}
		}
		return ""
	}

	if mf := findMF("powgate_gate_decision_total"); mf != nil {
		for _, m := range mf.GetMetric() {
			stats["decisions"][label(m, "action")] += m.GetCounter().GetValue()
		}
	}
	if mf := findMF("powgate_challenge_issued_total"); mf != nil && len(mf.GetMetric()) > 0 {
		stats["challenges"]["issued"] = mf.GetMetric()[0].GetCounter().GetValue()
	}
	if mf := findMF("powgate_challenge_errors_total"); mf != nil {
		for _, m := range mf.GetMetric() {
			stats["challenges"]["errors"] += m.GetCounter().GetValue()
		}
	}
	if mf := findMF("powgate_proxy_errors_total"); mf != nil {
		for _, m := range mf.GetMetric() {
			stats["proxy"]["errors"] += m.GetCounter().GetValue()
		}
	}
	if mf := findMF("powgate_proxy_circuit_state"); mf != nil {
		for _, m := range mf.GetMetric() {
			if m.GetGauge().GetValue() != 0 {
				stats["proxy"]["circuits_not_closed"]++
			}
		}
	}
	if mf := findMF("go_goroutines"); mf != nil && len(mf.GetMetric()) > 0 {
		stats["system"]["goroutines"] = mf.GetMetric()[0].GetGauge().GetValue()
	}
	return stats, nil
}
