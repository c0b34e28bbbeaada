package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(budgetDenials, budgetAlerts) }

var (
	budgetDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_budget_denials_total",
			Help: "Reservations denied, by the kind of scope that denied them.",
		},
		[]string{"scope_kind"},
	)

	budgetAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_budget_alerts_total",
			Help: "Usage threshold alerts raised, by scope kind and threshold.",
		},
		[]string{"scope_kind", "threshold"},
	)
)

// IncBudgetDenial counts a denied reservation
func IncBudgetDenial(scopeKind string) {
	budgetDenials.WithLabelValues(norm(scopeKind)).Inc()
}

// IncBudgetAlert counts a threshold crossing
func IncBudgetAlert(scopeKind, threshold string) {
	budgetAlerts.WithLabelValues(norm(scopeKind), norm(threshold)).Inc()
}
