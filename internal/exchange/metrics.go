package exchange

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StreamDisconnects - разрывы потоковых соединений
	StreamDisconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arbitrage",
			Subsystem: "exchange",
			Name:      "stream_disconnects_total",
			Help:      "Exchange websocket disconnects",
		},
		[]string{"exchange"},
	)

	// RequestLatency - время REST запроса к бирже
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "arbitrage",
			Subsystem: "exchange",
			Name:      "request_duration_seconds",
			Help:      "Exchange REST request latency",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"exchange", "endpoint"},
	)

	// RequestErrors - ошибки REST запросов
	RequestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arbitrage",
			Subsystem: "exchange",
			Name:      "request_errors_total",
			Help:      "Exchange REST request errors",
		},
		[]string{"exchange", "endpoint"},
	)
)
