package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics exposes Prometheus collectors for the redemption engine.
type EngineMetrics struct {
	bookings    *prometheus.CounterVec
	redemptions *prometheus.CounterVec
	released    prometheus.Counter
	vendorCalls *prometheus.CounterVec
	vendorTime  prometheus.Histogram
	inventory   *prometheus.GaugeVec
}

var (
	engineMetricsOnce sync.Once
	engineRegistry    *EngineMetrics
)

// Engine returns the lazily-initialised metrics registry shared by the
// booking, settlement, sweeper, and replenishment components.
func Engine() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			bookings: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "giftvault",
				Subsystem: "booking",
				Name:      "orders_total",
				Help:      "Total booking attempts segmented by outcome.",
			}, []string{"outcome"}),
			redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "giftvault",
				Subsystem: "settlement",
				Name:      "redemptions_total",
				Help:      "Total redemption attempts segmented by outcome.",
			}, []string{"outcome"}),
			released: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "giftvault",
				Subsystem: "sweeper",
				Name:      "released_total",
				Help:      "Count of goods reclaimed from unclaimed orders.",
			}),
			vendorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "giftvault",
				Subsystem: "replenish",
				Name:      "vendor_calls_total",
				Help:      "Total vendor purchase calls segmented by outcome.",
			}, []string{"outcome"}),
			vendorTime: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "giftvault",
				Subsystem: "replenish",
				Name:      "vendor_call_duration_seconds",
				Help:      "Latency distribution for vendor purchase calls.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			}),
			inventory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "giftvault",
				Subsystem: "inventory",
				Name:      "goods",
				Help:      "Current good counts per offer and state.",
			}, []string{"offer", "state"}),
		}
		prometheus.MustRegister(
			engineRegistry.bookings,
			engineRegistry.redemptions,
			engineRegistry.released,
			engineRegistry.vendorCalls,
			engineRegistry.vendorTime,
			engineRegistry.inventory,
		)
	})
	return engineRegistry
}

// ObserveBooking records the outcome label for one booking attempt.
func (m *EngineMetrics) ObserveBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookings.WithLabelValues(normalizeOutcome(outcome)).Inc()
}

// ObserveRedemption records the outcome label for one redemption attempt.
func (m *EngineMetrics) ObserveRedemption(outcome string) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(normalizeOutcome(outcome)).Inc()
}

// AddReleased increments the sweeper reclamation counter.
func (m *EngineMetrics) AddReleased(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.released.Add(float64(count))
}

// ObserveVendorCall records one vendor purchase round trip.
func (m *EngineMetrics) ObserveVendorCall(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.vendorCalls.WithLabelValues(normalizeOutcome(outcome)).Inc()
	if elapsed > 0 {
		m.vendorTime.Observe(elapsed.Seconds())
	}
}

// SetInventory publishes the current good count for an offer and state.
func (m *EngineMetrics) SetInventory(offerID, state string, count int64) {
	if m == nil {
		return
	}
	m.inventory.WithLabelValues(strings.TrimSpace(offerID), strings.ToLower(state)).Set(float64(count))
}

func normalizeOutcome(outcome string) string {
	trimmed := strings.ToLower(strings.TrimSpace(outcome))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
