package irq

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Metrics counts arbitration outcomes. A nil *Metrics records nothing, so
// vCPUs built without one pay only a nil check.
type Metrics struct {
	deliveries      *prometheus.CounterVec
	apicvSuppressed *prometheus.CounterVec
	overwrites      *prometheus.CounterVec
	timerInjections *prometheus.CounterVec
	migrations      *prometheus.CounterVec
}

// NewMetrics creates the arbitration counters and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "irqcore",
			Name:      "interrupts_delivered_total",
			Help:      "Vectors handed to a vCPU, by source.",
		}, []string{"vcpu", "source"}),
		apicvSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "irqcore",
			Name:      "apicv_suppressed_checks_total",
			Help:      "Injectable checks that skipped the local APIC because hardware delivers its interrupts.",
		}, []string{"vcpu"}),
		overwrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "irqcore",
			Name:      "external_vector_overwrites_total",
			Help:      "Split-mode external vectors replaced before the vCPU consumed them.",
		}, []string{"vcpu"}),
		timerInjections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "irqcore",
			Name:      "timer_interrupts_queued_total",
			Help:      "Local APIC timer expiries queued as APIC requests.",
		}, []string{"vcpu"}),
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "irqcore",
			Name:      "timer_migrations_total",
			Help:      "Timer migrations performed on vCPU reschedule.",
		}, []string{"vcpu"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.deliveries, m.apicvSuppressed, m.overwrites, m.timerInjections, m.migrations,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// Delivered returns the delivery count for one vCPU and source.
func (m *Metrics) Delivered(vcpu int, src Source) float64 {
	if m == nil {
		return 0
	}
	return counterValue(m.deliveries.WithLabelValues(strconv.Itoa(vcpu), src.String()))
}

// Overwrites returns the overwrite count for one vCPU.
func (m *Metrics) Overwrites(vcpu int) float64 {
	if m == nil {
		return 0
	}
	return counterValue(m.overwrites.WithLabelValues(strconv.Itoa(vcpu)))
}

// APICvSuppressed returns how often the local APIC was skipped for vcpu.
func (m *Metrics) APICvSuppressed(vcpu int) float64 {
	if m == nil {
		return 0
	}
	return counterValue(m.apicvSuppressed.WithLabelValues(strconv.Itoa(vcpu)))
}

// Migrations returns the timer migration count for one vCPU.
func (m *Metrics) Migrations(vcpu int) float64 {
	if m == nil {
		return 0
	}
	return counterValue(m.migrations.WithLabelValues(strconv.Itoa(vcpu)))
}

func (m *Metrics) delivered(vcpu int, src Source) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(strconv.Itoa(vcpu), src.String()).Inc()
}

func (m *Metrics) apicvShortCircuit(vcpu int) {
	if m == nil {
		return
	}
	m.apicvSuppressed.WithLabelValues(strconv.Itoa(vcpu)).Inc()
}

func (m *Metrics) overwritten(vcpu int) {
	if m == nil {
		return
	}
	m.overwrites.WithLabelValues(strconv.Itoa(vcpu)).Inc()
}

func (m *Metrics) timerInjected(vcpu int) {
	if m == nil {
		return
	}
	m.timerInjections.WithLabelValues(strconv.Itoa(vcpu)).Inc()
}

func (m *Metrics) migrated(vcpu int) {
	if m == nil {
		return
	}
	m.migrations.WithLabelValues(strconv.Itoa(vcpu)).Inc()
}

func counterValue(c prometheus.Counter) float64 {
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		return 0
	}
	return out.GetCounter().GetValue()
}
