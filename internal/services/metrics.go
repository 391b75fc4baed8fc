package services

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts reconciliation writes and the outcome of routing and
// conversion operations. A nil *Metrics is valid and records nothing.
type Metrics struct {
	checklistWrites *prometheus.CounterVec
	chargeMutations *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	conversions     *prometheus.CounterVec
	routedParts     prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		checklistWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobshop_checklist_sync_writes_total",
				Help: "Checklist rows written by the synchronizer, by step",
			},
			[]string{"step"},
		),
		chargeMutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobshop_charge_mutations_total",
				Help: "Charge ledger mutations, by operation",
			},
			[]string{"op"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobshop_department_transitions_total",
				Help: "Manual department transitions, by result",
			},
			[]string{"result"},
		),
		conversions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobshop_quote_conversions_total",
				Help: "Quote to order conversions, by result",
			},
			[]string{"result"},
		),
		routedParts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobshop_parts_routed_total",
			Help: "Parts assigned an initial department",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.checklistWrites, m.chargeMutations, m.transitions, m.conversions, m.routedParts)
	}
	return m
}

func (m *Metrics) syncWrites(r SyncResult) {
	if m == nil {
		return
	}
	m.checklistWrites.WithLabelValues("create").Add(float64(r.Created))
	m.checklistWrites.WithLabelValues("activate").Add(float64(r.Activated))
	m.checklistWrites.WithLabelValues("deactivate").Add(float64(r.Deactivated))
	m.checklistWrites.WithLabelValues("complete").Add(float64(r.Corrected))
}

func (m *Metrics) chargeMutation(op string) {
	if m == nil {
		return
	}
	m.chargeMutations.WithLabelValues(op).Inc()
}

func (m *Metrics) transition(err error) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) conversion(err error) {
	if m == nil {
		return
	}
	m.conversions.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) routed(n int) {
	if m == nil || n == 0 {
		return
	}
	m.routedParts.Add(float64(n))
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}
