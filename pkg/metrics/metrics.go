// Package metrics exposes Prometheus collectors for the exchange engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uhyunpark/escrowx/pkg/exchange"
)

var (
	DepositsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrowx_deposits_total",
		Help: "Number of successful escrow deposits",
	})
	WithdrawalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrowx_withdrawals_total",
		Help: "Number of successful escrow withdrawals",
	})
	OrdersOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrowx_orders_opened_total",
		Help: "Number of orders created",
	})
	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrowx_orders_cancelled_total",
		Help: "Number of orders cancelled",
	})
	TradesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrowx_trades_total",
		Help: "Number of orders filled",
	})
	OpenOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "escrowx_open_orders",
		Help: "Orders currently in the open state",
	})
)

// Recorder is an exchange event sink that updates the collectors.
type Recorder struct{}

func (Recorder) Publish(e exchange.Event) {
	switch e.(type) {
	case exchange.DepositEvent:
		DepositsTotal.Inc()
	case exchange.WithdrawEvent:
		WithdrawalsTotal.Inc()
	case exchange.OrderEvent:
		OrdersOpenedTotal.Inc()
		OpenOrders.Inc()
	case exchange.CancelEvent:
		OrdersCancelledTotal.Inc()
		OpenOrders.Dec()
	case exchange.TradeEvent:
		TradesTotal.Inc()
		OpenOrders.Dec()
	}
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
