package telemetry

import "go.opentelemetry.io/otel/sdk/metric/metricdata"

// Totals sums the data points of every int64 counter in the collected metrics.
func Totals(rm metricdata.ResourceMetrics) map[string]int64 {
	totals := make(map[string]int64)

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}

			for _, dp := range sum.DataPoints {
				totals[m.Name] += dp.Value
			}
		}
	}

	return totals
}
