package websocket

import (
	"context"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"coinarb/internal/bot"
	"coinarb/internal/funds"
	"coinarb/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// hubBroadcastBuffer - размер очереди broadcast
const hubBroadcastBuffer = 256

// Hub управляет всеми активными WebSocket соединениями
//
// Рассылает операторам события движка: балансы (bot ledger observer),
// итоги сделок и уведомления (bot.EventSink).
// Broadcast не блокирует торговый поток: при полной очереди сообщение
// отбрасывается и учитывается в DroppedMessages.
type Hub struct {
	// Зарегистрированные клиенты
	clients map[*Client]bool

	// Broadcast канал для отправки сообщений всем клиентам
	broadcast chan []byte

	// Регистрация нового клиента
	register chan *Client

	// Отмена регистрации клиента
	unregister chan *Client

	stop     chan struct{}
	stopOnce sync.Once

	dropped int64

	origins *OriginChecker
	logger  *utils.Logger

	// Mutex для потокобезопасного доступа к clients
	mu sync.RWMutex
}

// NewHub создает новый Hub.
// allowedOrigins - список Origin через запятую, пусто или "*" - любые.
func NewHub(allowedOrigins string, logger *utils.Logger) *Hub {
	if logger == nil {
		logger = utils.L()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, hubBroadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		origins:    NewOriginChecker(allowedOrigins),
		logger:     logger.WithComponent("ws_hub"),
	}
}

// Run запускает главный цикл Hub до Stop или отмены контекста
func (h *Hub) Run(ctx context.Context) error {
	defer h.closeAll()
	defer h.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-h.stop:
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", zap.Int("clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", zap.Int("clients", total))

		case message := <-h.broadcast:
			bot.RecordBufferBacklog("ws_broadcast", cap(h.broadcast), len(h.broadcast))
			h.fanOut(message)
		}
	}
}

// fanOut отправляет сообщение клиентам; медленные клиенты отключаются
func (h *Hub) fanOut(message []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	var toRemove []*Client
	for _, client := range clients {
		select {
		case client.send <- message:
		default:
			toRemove = append(toRemove, client)
		}
	}

	if len(toRemove) > 0 {
		h.mu.Lock()
		for _, client := range toRemove {
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		}
		total := len(h.clients)
		h.mu.Unlock()
		h.logger.Warn("removed slow clients", zap.Int("removed", len(toRemove)), zap.Int("clients", total))
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
}

// Stop останавливает Run
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Broadcast сериализует сообщение и ставит его в очередь рассылки
func (h *Hub) Broadcast(message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("marshal broadcast message", zap.Error(err))
		return
	}
	h.BroadcastRaw(data)
}

// BroadcastRaw ставит готовые данные в очередь рассылки без блокировки
func (h *Hub) BroadcastRaw(data []byte) {
	select {
	case h.broadcast <- data:
	default:
		atomic.AddInt64(&h.dropped, 1)
		bot.RecordBufferOverflow("ws_broadcast")
	}
}

// OnBalance - наблюдатель funds.Ledger
func (h *Hub) OnBalance(venue, currency string, bal funds.Balance) {
	h.Broadcast(NewBalanceMessage(venue, currency, bal))
}

// TradeExecuted - bot.EventSink
func (h *Hub) TradeExecuted(report *bot.TradeReport) {
	h.Broadcast(NewExecutionMessage(report))
}

// Alert - bot.EventSink
func (h *Hub) Alert(severity, instrument, message string) {
	h.Broadcast(NewAlertMessage(severity, instrument, message))
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedMessages возвращает число отброшенных сообщений
func (h *Hub) DroppedMessages() int64 {
	return atomic.LoadInt64(&h.dropped)
}

var _ bot.EventSink = (*Hub)(nil)
