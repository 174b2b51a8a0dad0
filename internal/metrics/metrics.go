// Package metrics defines the broker core's Prometheus instrumentation:
// connection lifecycle, dispatch wakeups, and controller calls.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ConnectionsAccepted counts every connection a Listener has accepted.
	ConnectionsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dbus_broker",
		Name:      "connections_accepted_total",
		Help:      "Total connections accepted across all listeners.",
	})

	// ConnectionsClosed counts every connection that reached StateClosed,
	// labeled by the cause.
	ConnectionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dbus_broker",
		Name:      "connections_closed_total",
		Help:      "Total connections closed, labeled by cause.",
	}, []string{"cause"})

	// ConnectionsActive is the current number of connections in any
	// non-closed state.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dbus_broker",
		Name:      "connections_active",
		Help:      "Connections currently open (not yet closed).",
	})

	// DispatchWakeups counts RunOnce invocations that observed at least one
	// ready file.
	DispatchWakeups = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dbus_broker",
		Name:      "dispatch_wakeups_total",
		Help:      "Total epoll wakeups that invoked at least one callback.",
	})

	// DispatchCallbacks counts individual File callbacks invoked across all
	// wakeups.
	DispatchCallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dbus_broker",
		Name:      "dispatch_callbacks_total",
		Help:      "Total per-file callbacks invoked across all wakeups.",
	})

	// ControllerCalls counts controller method dispatches, labeled by
	// method name and outcome.
	ControllerCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dbus_broker",
		Name:      "controller_calls_total",
		Help:      "Total controller method dispatches, labeled by method and outcome.",
	}, []string{"method", "outcome"})
)

// Register adds every collector in this package to reg.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		ConnectionsAccepted,
		ConnectionsClosed,
		ConnectionsActive,
		DispatchWakeups,
		DispatchCallbacks,
		ControllerCalls,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
