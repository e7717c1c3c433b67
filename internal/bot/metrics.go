package bot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики торгового ядра
// ============================================================
//
// - латентность исполнения ордеров
// - счётчики возможностей и сделок
// - состояние агентов и очередей задач
// - непарные ноги (требуют внимания оператора)

// ============ Метрики латентности ============

// OrderExecutionLatency - от отправки ордера до терминального состояния
var OrderExecutionLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "arbitrage",
		Subsystem: "trading",
		Name:      "order_execution_latency_ms",
		Help:      "Time from order submission to terminal state in milliseconds",
		Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 5000, 30000, 300000},
	},
	[]string{"venue", "type"},
)

// ArbitrageLatency - полный проход TryArbitrage по маршруту
var ArbitrageLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "arbitrage",
		Subsystem: "trading",
		Name:      "arbitrage_pass_latency_ms",
		Help:      "Time of one arbitrage pass over a route in milliseconds",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 100, 1000, 10000},
	},
	[]string{"instrument"},
)

// ============ Счётчики событий ============

// OpportunitiesTotal - найденные расхождения по стадиям (signal, execute)
var OpportunitiesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "trading",
		Name:      "opportunities_total",
		Help:      "Detected price differences by stage",
	},
	[]string{"instrument", "direction", "stage"},
)

// TradesTotal - завершённые попытки арбитража по результату
var TradesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "trading",
		Name:      "trades_total",
		Help:      "Arbitrage attempts by result",
	},
	[]string{"instrument", "result"}, // completed, no_fill, unmatched, failed
)

// UnmatchedLegs - первая нога исполнена, вторая нет
var UnmatchedLegs = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "trading",
		Name:      "unmatched_legs_total",
		Help:      "Filled first legs without a matching second leg",
	},
	[]string{"instrument", "venue"},
)

// OrdersTotal - ордера по итоговому состоянию
var OrdersTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "trading",
		Name:      "orders_total",
		Help:      "Orders by venue, type and final state",
	},
	[]string{"venue", "type", "state"},
)

// TaskErrors - ошибки задач агента по виду
var TaskErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "agent",
		Name:      "task_errors_total",
		Help:      "Agent task failures by kind",
	},
	[]string{"venue", "kind"}, // insufficient_fund, order_timeout, panic, error
)

// BufferOverflows - переполнения буферов
var BufferOverflows = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "system",
		Name:      "buffer_overflows_total",
		Help:      "Number of buffer overflow events",
	},
	[]string{"buffer"},
)

// ============ Метрики состояния ============

// AgentState - текущее состояние агента (0=INIT, 1=ACTIVE, 2=STOPPING, 3=STOPPED)
var AgentState = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "arbitrage",
		Subsystem: "agent",
		Name:      "state",
		Help:      "Agent lifecycle state",
	},
	[]string{"venue"},
)

// TaskQueueDepth - задачи в очереди агента
var TaskQueueDepth = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "arbitrage",
		Subsystem: "agent",
		Name:      "task_queue_depth",
		Help:      "Pending tasks in the agent queue",
	},
	[]string{"venue"},
)

// BookAge - время с последнего стакана инструмента на бирже
var BookAge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "arbitrage",
		Subsystem: "agent",
		Name:      "order_book_age_seconds",
		Help:      "Seconds since the last order book of an instrument",
	},
	[]string{"venue", "instrument"},
)

// StaleBooks - потоки стаканов, замолчавшие дольше порога
var StaleBooks = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "agent",
		Name:      "stale_order_books_total",
		Help:      "Order book streams that went silent",
	},
	[]string{"venue", "instrument"},
)

// BufferBacklog - заполненность буфера при переполнении
var BufferBacklog = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "arbitrage",
		Subsystem: "system",
		Name:      "buffer_backlog_ratio",
		Help:      "Buffer fill ratio observed on overflow",
	},
	[]string{"buffer"},
)

// ============ Хелперы ============

// RecordBufferOverflow фиксирует переполнение буфера
func RecordBufferOverflow(buffer string) {
	BufferOverflows.WithLabelValues(buffer).Inc()
}

// RecordBufferBacklog фиксирует заполненность буфера
func RecordBufferBacklog(buffer string, capacity, length int) {
	if capacity <= 0 {
		return
	}
	BufferBacklog.WithLabelValues(buffer).Set(float64(length) / float64(capacity))
}

// RecordTrade фиксирует результат арбитража
func RecordTrade(instrument, result string) {
	TradesTotal.WithLabelValues(instrument, result).Inc()
}

// RecordOpportunity фиксирует найденное расхождение
func RecordOpportunity(instrument, direction, stage string) {
	OpportunitiesTotal.WithLabelValues(instrument, direction, stage).Inc()
}
