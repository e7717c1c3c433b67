package funds

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============ Метрики капитала ============

// FundReservations - операции с резервами
var FundReservations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "funds",
		Name:      "reservations_total",
		Help:      "Fund reservation operations by result",
	},
	[]string{"venue", "currency", "result"}, // reserved, insufficient, released, applied
)

// BalanceFree - свободный остаток
var BalanceFree = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "arbitrage",
		Subsystem: "funds",
		Name:      "balance_free",
		Help:      "Free balance available for new reservations",
	},
	[]string{"venue", "currency"},
)

// BalanceReserved - зарезервировано под сделки
var BalanceReserved = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "arbitrage",
		Subsystem: "funds",
		Name:      "balance_reserved",
		Help:      "Balance currently reserved by outstanding funds",
	},
	[]string{"venue", "currency"},
)

func publishBalance(venue, currency string, bal Balance) {
	BalanceFree.WithLabelValues(venue, currency).Set(bal.Free())
	BalanceReserved.WithLabelValues(venue, currency).Set(bal.Reserved)
}
