package marketdata

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BooksDropped - стаканы, отброшенные при нормализации
var BooksDropped = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "marketdata",
		Name:      "books_dropped_total",
		Help:      "Order books dropped during normalization",
	},
	[]string{"venue", "reason"}, // rate, unsorted, invalid
)
