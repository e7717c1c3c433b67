package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"coinarb/pkg/utils"
)

// ============ Потоковое соединение с переподключением ============

// StreamConfig - параметры потокового соединения биржи
type StreamConfig struct {
	InitialDelay   time.Duration // первая пауза перед переподключением (default: 2s)
	MaxDelay       time.Duration // потолок exponential backoff (default: 16s)
	MaxRetries     int           // 0 - без ограничения
	ConnectTimeout time.Duration // таймаут handshake (default: 10s)
	PingInterval   time.Duration // (default: 20s)
	WriteTimeout   time.Duration // (default: 10s)

	// PingMessage - прикладной ping биржи; nil - ping кадр websocket
	PingMessage interface{}
}

// DefaultStreamConfig возвращает настройки по умолчанию
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		InitialDelay:   2 * time.Second,
		MaxDelay:       16 * time.Second,
		MaxRetries:     0,
		ConnectTimeout: 10 * time.Second,
		PingInterval:   20 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// StreamState - состояние соединения
type StreamState int32

const (
	StreamDisconnected StreamState = iota
	StreamConnecting
	StreamConnected
	StreamReconnecting
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamDisconnected:
		return "disconnected"
	case StreamConnecting:
		return "connecting"
	case StreamConnected:
		return "connected"
	case StreamReconnecting:
		return "reconnecting"
	case StreamClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var errStreamClosed = errors.New("stream is closed")

// Stream держит одно websocket соединение биржи.
//
// После разрыва соединение восстанавливается с exponential backoff,
// затем повторно отправляются все сохранённые подписки и вызывается onConnect
// (биржа может прислать новый снимок стакана).
type Stream struct {
	name   string
	url    string
	config StreamConfig
	logger *utils.Logger

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	state   int32
	retries int32

	subsMu sync.Mutex
	subs   []interface{}

	callbackMu   sync.RWMutex
	onMessage    func([]byte)
	onConnect    func()
	onDisconnect func(error)

	closeOnce sync.Once
	closed    chan struct{}
}

// NewStream создаёт соединение; подключение - Connect
func NewStream(name, url string, config StreamConfig, logger *utils.Logger) *Stream {
	if logger == nil {
		logger = utils.L()
	}
	def := DefaultStreamConfig()
	if config.InitialDelay <= 0 {
		config.InitialDelay = def.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = def.ConnectTimeout
	}
	if config.PingInterval <= 0 {
		config.PingInterval = def.PingInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	return &Stream{
		name:   name,
		url:    url,
		config: config,
		logger: logger.WithExchange(name).With(zap.String("url", url)),
		closed: make(chan struct{}),
	}
}

// SetOnMessage устанавливает обработчик входящих сообщений
func (s *Stream) SetOnMessage(fn func([]byte)) {
	s.callbackMu.Lock()
	s.onMessage = fn
	s.callbackMu.Unlock()
}

// SetOnConnect вызывается после каждого (пере)подключения
func (s *Stream) SetOnConnect(fn func()) {
	s.callbackMu.Lock()
	s.onConnect = fn
	s.callbackMu.Unlock()
}

// SetOnDisconnect вызывается при разрыве
func (s *Stream) SetOnDisconnect(fn func(error)) {
	s.callbackMu.Lock()
	s.onDisconnect = fn
	s.callbackMu.Unlock()
}

// State возвращает текущее состояние
func (s *Stream) State() StreamState {
	return StreamState(atomic.LoadInt32(&s.state))
}

// IsConnected - соединение установлено
func (s *Stream) IsConnected() bool {
	return s.State() == StreamConnected
}

// Subscribe сохраняет подписку и отправляет её, если соединение открыто
func (s *Stream) Subscribe(msg interface{}) error {
	s.subsMu.Lock()
	s.subs = append(s.subs, msg)
	s.subsMu.Unlock()

	if !s.IsConnected() {
		return nil
	}
	return s.Send(msg)
}

// Connect устанавливает соединение и запускает чтение
func (s *Stream) Connect(ctx context.Context) error {
	select {
	case <-s.closed:
		return errStreamClosed
	default:
	}

	atomic.StoreInt32(&s.state, int32(StreamConnecting))
	if err := s.dial(ctx); err != nil {
		atomic.StoreInt32(&s.state, int32(StreamDisconnected))
		return err
	}
	s.connected()
	s.logger.Info("stream connected")
	return nil
}

func (s *Stream) dial(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: s.config.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	s.subsMu.Lock()
	subs := make([]interface{}, len(s.subs))
	copy(subs, s.subs)
	s.subsMu.Unlock()

	for _, sub := range subs {
		if err := s.write(conn, sub); err != nil {
			conn.Close()
			return fmt.Errorf("resubscribe: %w", err)
		}
	}
	if len(subs) > 0 {
		s.logger.Debug("subscriptions restored", zap.Int("count", len(subs)))
	}
	return nil
}

func (s *Stream) connected() {
	atomic.StoreInt32(&s.state, int32(StreamConnected))
	atomic.StoreInt32(&s.retries, 0)

	s.callbackMu.RLock()
	onConnect := s.onConnect
	s.callbackMu.RUnlock()
	if onConnect != nil {
		onConnect()
	}

	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()

	go s.readPump(conn)
	go s.pingPump(conn)
}

func (s *Stream) readPump(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(conn, err)
			return
		}

		s.callbackMu.RLock()
		onMessage := s.onMessage
		s.callbackMu.RUnlock()
		if onMessage != nil {
			onMessage(message)
		}
	}
}

func (s *Stream) pingPump(conn *websocket.Conn) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			s.connMu.Lock()
			current := s.conn
			s.connMu.Unlock()
			if current != conn {
				return
			}

			var err error
			if s.config.PingMessage != nil {
				err = s.write(conn, s.config.PingMessage)
			} else {
				s.writeMu.Lock()
				_ = conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
				err = conn.WriteMessage(websocket.PingMessage, nil)
				s.writeMu.Unlock()
			}
			if err != nil {
				s.handleDisconnect(conn, err)
				return
			}
		}
	}
}

// handleDisconnect обрабатывает разрыв conn; повторные вызовы для того же
// соединения игнорируются
func (s *Stream) handleDisconnect(conn *websocket.Conn, err error) {
	select {
	case <-s.closed:
		return
	default:
	}

	s.connMu.Lock()
	if s.conn != conn {
		s.connMu.Unlock()
		return
	}
	s.conn = nil
	s.connMu.Unlock()
	conn.Close()

	atomic.StoreInt32(&s.state, int32(StreamReconnecting))
	StreamDisconnects.WithLabelValues(s.name).Inc()
	s.logger.Warn("stream disconnected", zap.Error(err))

	s.callbackMu.RLock()
	onDisconnect := s.onDisconnect
	s.callbackMu.RUnlock()
	if onDisconnect != nil {
		onDisconnect(err)
	}

	go s.reconnectLoop()
}

func (s *Stream) reconnectLoop() {
	delay := s.config.InitialDelay

	for {
		attempt := atomic.AddInt32(&s.retries, 1)
		if s.config.MaxRetries > 0 && int(attempt) > s.config.MaxRetries {
			s.logger.Error("reconnect attempts exhausted", zap.Int("max_retries", s.config.MaxRetries))
			atomic.StoreInt32(&s.state, int32(StreamDisconnected))
			return
		}

		select {
		case <-s.closed:
			return
		case <-time.After(delay):
		}

		if err := s.dial(context.Background()); err != nil {
			s.logger.Warn("reconnect failed",
				zap.Int32("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
			delay *= 2
			if delay > s.config.MaxDelay {
				delay = s.config.MaxDelay
			}
			continue
		}

		select {
		case <-s.closed:
			s.connMu.Lock()
			if s.conn != nil {
				s.conn.Close()
				s.conn = nil
			}
			s.connMu.Unlock()
			return
		default:
		}

		s.connected()
		s.logger.Info("stream reconnected", zap.Int32("attempt", attempt))
		return
	}
}

// Send отправляет JSON сообщение
func (s *Stream) Send(msg interface{}) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil || !s.IsConnected() {
		return fmt.Errorf("stream not connected (state: %s)", s.State())
	}
	return s.write(conn, msg)
}

func (s *Stream) write(conn *websocket.Conn, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close закрывает соединение и останавливает переподключение
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		atomic.StoreInt32(&s.state, int32(StreamClosed))

		s.connMu.Lock()
		if s.conn != nil {
			err = s.conn.Close()
			s.conn = nil
		}
		s.connMu.Unlock()
	})
	return err
}
