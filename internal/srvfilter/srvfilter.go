// Package srvfilter implements filters and listeners used by the
// row-server command and various tests.
package srvfilter

import (
	"context"
	"expvar"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/psychogen-labs/row"
	"github.com/psychogen-labs/row/message"
)

// LogRequest returns a row.Filter that logs requests received on the
// connection to the provided logger function. It never stops the
// chain.
func LogRequest(logFn func(string, ...interface{})) row.Filter {
	return row.FilterFunc(func(ctx context.Context, req *message.Request, res *message.Response, c *row.Conn) (bool, error) {
		logFn("%v: received request %s %s %s", c.UUID, req.ID, req.Op, req.Path)
		return true, nil
	})
}

// CountOps returns a row.Filter that increments the Op<name> counter
// of vars for each request.
func CountOps(vars *expvar.Map) row.Filter {
	return row.FilterFunc(func(ctx context.Context, req *message.Request, res *message.Response, c *row.Conn) (bool, error) {
		vars.Add("Op"+req.Op.String(), 1)
		return true, nil
	})
}

// LogConn returns a row.Listener that logs connections, disconnections
// and errors to the provided logger function.
func LogConn(logFn func(string, ...interface{})) row.Listener {
	return row.ListenerFuncs{
		Open: func(c *row.Conn) {
			logFn("%v: connected from %v as %s with codec %s", c.UUID, c.RemoteAddr(), c.Identity(), c.Codec().Name())
		},
		Close: func(c *row.Conn, err error) {
			logFn("%v: closing from %v with error %v", c.UUID, c.RemoteAddr(), err)
		},
		Error: func(c *row.Conn, err error) {
			logFn("%v: %v", c.UUID, err)
		},
	}
}

// Metrics is a row.Listener that collects prometheus metrics about
// connections and failed deliveries.
type Metrics struct {
	open   prometheus.Gauge
	opened prometheus.Counter
	closed prometheus.Counter
	errors prometheus.Counter
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer, prefix string) (*Metrics, error) {
	m := &Metrics{
		open: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_open_connections",
			Help: "Number of open connections",
		}),
		opened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_connections_opened_total",
			Help: "Total number of opened connections",
		}),
		closed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_connections_closed_total",
			Help: "Total number of closed connections",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_connection_errors_total",
			Help: "Total number of connection errors, including failed deliveries",
		}),
	}
	for _, c := range []prometheus.Collector{m.open, m.opened, m.closed, m.errors} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// OnOpen implements row.Listener.
func (m *Metrics) OnOpen(*row.Conn) {
	m.open.Inc()
	m.opened.Inc()
}

// OnClose implements row.Listener.
func (m *Metrics) OnClose(*row.Conn, error) {
	m.open.Dec()
	m.closed.Inc()
}

// OnError implements row.Listener.
func (m *Metrics) OnError(*row.Conn, error) {
	m.errors.Inc()
}
