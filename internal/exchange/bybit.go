package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"coinarb/internal/models"
	"coinarb/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	bybitBaseURL    = "https://api.bybit.com"
	bybitStreamURL  = "wss://stream.bybit.com/v5/public/spot"
	bybitRecvWindow = "5000"
	bybitCategory   = "spot"
	bybitBookDepth  = 50

	// коды ответа: ордер уже завершён или не найден при отмене
	bybitCodeOrderNotExists  = 170213
	bybitCodeOrderNotExists2 = 110001
)

// коды, при которых запрос можно повторить
var bybitTransientCodes = map[int]bool{
	10000: true, // server timeout
	10002: true, // request time exceeds window
	10006: true, // too many visits
	10016: true, // server error
	10429: true, // system level frequency protection
}

func init() {
	Register("bybit", func(opts Options) (Connector, error) {
		return NewBybit(opts), nil
	})
}

// Bybit - спотовый коннектор Bybit API v5
//
// Стаканы приходят из публичного потока orderbook.50 (снимок + дельты),
// ордера и балансы - через подписанные REST запросы единого аккаунта.
type Bybit struct {
	name       string
	baseURL    string
	httpClient *http.Client
	stream     *Stream
	logger     *utils.Logger

	mu       sync.RWMutex
	symbols  map[string]string // XRPUSDT -> XRP_USDT
	books    map[string]*bybitBook
	handlers []bybitSubscription
}

type bybitSubscription struct {
	keys    map[models.Key]struct{}
	handler DataHandler
}

// NewBybit создаёт коннектор; BaseURL/StreamURL пустые - боевые адреса
func NewBybit(opts Options) *Bybit {
	name := opts.Name
	if name == "" {
		name = "bybit"
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = bybitBaseURL
	}
	streamURL := opts.StreamURL
	if streamURL == "" {
		streamURL = bybitStreamURL
	}
	logger := opts.Logger
	if logger == nil {
		logger = utils.L()
	}

	streamCfg := DefaultStreamConfig()
	streamCfg.PingMessage = map[string]string{"op": "ping"}

	b := &Bybit{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		stream:     NewStream(name, streamURL, streamCfg, logger),
		logger:     logger.WithExchange(name),
		symbols:    make(map[string]string),
		books:      make(map[string]*bybitBook),
	}
	b.stream.SetOnMessage(b.handleMessage)
	b.stream.SetOnDisconnect(func(error) { b.resetBooks() })
	return b
}

func (b *Bybit) Name() string { return b.name }

// Open подключает публичный поток
func (b *Bybit) Open(ctx context.Context) error {
	return b.stream.Connect(ctx)
}

func (b *Bybit) Close() error {
	return b.stream.Close()
}

// Subscribe подписывается на стаканы инструментов из subs.
// TopicExecution не поддерживается: исполнение опрашивается через GetOrder.
func (b *Bybit) Subscribe(subs []models.Key, onData DataHandler) error {
	if onData == nil {
		return fmt.Errorf("%s: nil data handler", b.name)
	}

	keys := make(map[models.Key]struct{}, len(subs))
	var args []string
	b.mu.Lock()
	for _, k := range subs {
		if k.Topic != models.TopicOrderBook {
			b.logger.Debug("topic not streamed", zap.String("key", k.String()))
			continue
		}
		symbol, err := bybitSymbol(k.Name)
		if err != nil {
			b.mu.Unlock()
			return err
		}
		keys[k] = struct{}{}
		if _, ok := b.symbols[symbol]; !ok {
			b.symbols[symbol] = k.Name
			args = append(args, fmt.Sprintf("orderbook.%d.%s", bybitBookDepth, symbol))
		}
	}
	b.handlers = append(b.handlers, bybitSubscription{keys: keys, handler: onData})
	b.mu.Unlock()

	if len(args) == 0 {
		return nil
	}
	return b.stream.Subscribe(map[string]interface{}{"op": "subscribe", "args": args})
}

// ============ Публичный поток ============

type bybitBookMessage struct {
	Op      string `json:"op"`
	Success *bool  `json:"success"`
	RetMsg  string `json:"ret_msg"`
	Topic   string `json:"topic"`
	Type    string `json:"type"` // snapshot, delta
	Ts      int64  `json:"ts"`
	Data    struct {
		Symbol string      `json:"s"`
		Bids   [][2]string `json:"b"`
		Asks   [][2]string `json:"a"`
		Update int64       `json:"u"`
	} `json:"data"`
}

// bybitBook - локальная копия стакана, собираемая из снимка и дельт
type bybitBook struct {
	bids map[float64]float64
	asks map[float64]float64
}

func (b *Bybit) handleMessage(raw []byte) {
	var msg bybitBookMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		b.logger.Warn("invalid stream message", zap.Error(err))
		return
	}

	if msg.Op != "" {
		if msg.Success != nil && !*msg.Success {
			b.logger.Error("stream request rejected", zap.String("op", msg.Op), zap.String("msg", msg.RetMsg))
		}
		return
	}
	if !strings.HasPrefix(msg.Topic, "orderbook.") {
		return
	}

	b.mu.Lock()
	instrument, ok := b.symbols[msg.Data.Symbol]
	if !ok {
		b.mu.Unlock()
		return
	}
	book := b.books[msg.Data.Symbol]
	switch msg.Type {
	case "snapshot":
		book = &bybitBook{bids: make(map[float64]float64), asks: make(map[float64]float64)}
		b.books[msg.Data.Symbol] = book
	case "delta":
		if book == nil {
			// дельта без снимка: ждём снимок после переподписки
			b.mu.Unlock()
			return
		}
	default:
		b.mu.Unlock()
		return
	}
	applyLevels(book.bids, msg.Data.Bids)
	applyLevels(book.asks, msg.Data.Asks)

	ts := time.Now()
	if msg.Ts > 0 {
		ts = time.UnixMilli(msg.Ts)
	}
	out := &models.OrderBook{
		Venue:      b.name,
		Instrument: instrument,
		Bids:       sortedLadder(book.bids, true),
		Asks:       sortedLadder(book.asks, false),
		Timestamp:  ts,
	}

	key := models.Key{Topic: models.TopicOrderBook, Name: instrument}
	handlers := make([]DataHandler, 0, len(b.handlers))
	for _, sub := range b.handlers {
		if _, ok := sub.keys[key]; ok {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(key, out.Clone())
	}
}

func (b *Bybit) resetBooks() {
	b.mu.Lock()
	b.books = make(map[string]*bybitBook)
	b.mu.Unlock()
}

// applyLevels применяет уровни [price, qty]; qty = 0 удаляет уровень
func applyLevels(side map[float64]float64, levels [][2]string) {
	for _, lvl := range levels {
		price, err := strconv.ParseFloat(lvl[0], 64)
		if err != nil {
			continue
		}
		qty, err := strconv.ParseFloat(lvl[1], 64)
		if err != nil {
			continue
		}
		if qty == 0 {
			delete(side, price)
			continue
		}
		side[price] = qty
	}
}

func sortedLadder(side map[float64]float64, desc bool) models.Ladder {
	ladder := make(models.Ladder, 0, len(side))
	for price, qty := range side {
		ladder = append(ladder, models.Level(price, qty))
	}
	sort.Slice(ladder, func(i, j int) bool {
		if desc {
			return ladder[i].Price > ladder[j].Price
		}
		return ladder[i].Price < ladder[j].Price
	})
	return ladder
}

// ============ REST ============

// bybitSign - подпись Bybit v5: timestamp + apiKey + recvWindow + payload
func bybitSign(secret, timestamp, apiKey, payload string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp + apiKey + bybitRecvWindow + payload))
	return hex.EncodeToString(h.Sum(nil))
}

// doRequest выполняет подписанный запрос и возвращает поле result
func (b *Bybit) doRequest(ctx context.Context, cred Credential, method, endpoint string, params map[string]string, out interface{}) error {
	start := time.Now()
	defer func() {
		RequestLatency.WithLabelValues(b.name, endpoint).Observe(time.Since(start).Seconds())
	}()

	var payload, reqURL string
	if method == http.MethodGet {
		query := url.Values{}
		for k, v := range params {
			query.Set(k, v)
		}
		payload = query.Encode()
		reqURL = b.baseURL + endpoint
		if payload != "" {
			reqURL += "?" + payload
		}
	} else {
		data, err := json.Marshal(params)
		if err != nil {
			return err
		}
		payload = string(data)
		reqURL = b.baseURL + endpoint
	}

	var body io.Reader
	if method != http.MethodGet {
		body = strings.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return err
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-BAPI-API-KEY", cred.APIKey)
	req.Header.Set("X-BAPI-SIGN", bybitSign(cred.APISecret, timestamp, cred.APIKey, payload))
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", bybitRecvWindow)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		RequestErrors.WithLabelValues(b.name, endpoint).Inc()
		return NewExchangeError(b.name, "", "request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		RequestErrors.WithLabelValues(b.name, endpoint).Inc()
		return NewExchangeError(b.name, "", "read response", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		RequestErrors.WithLabelValues(b.name, endpoint).Inc()
		return NewExchangeError(b.name, strconv.Itoa(resp.StatusCode), http.StatusText(resp.StatusCode), nil)
	}

	var envelope struct {
		RetCode int                 `json:"retCode"`
		RetMsg  string              `json:"retMsg"`
		Result  jsoniter.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		RequestErrors.WithLabelValues(b.name, endpoint).Inc()
		return fmt.Errorf("%s: decode %s response: %w", b.name, endpoint, err)
	}
	if envelope.RetCode != 0 {
		RequestErrors.WithLabelValues(b.name, endpoint).Inc()
		return b.apiError(envelope.RetCode, envelope.RetMsg)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(envelope.Result, out)
}

// BybitAPIError - отказ биржи, повтор которого не поможет
type BybitAPIError struct {
	Code    int
	Message string
}

func (e *BybitAPIError) Error() string {
	return fmt.Sprintf("bybit: [%d] %s", e.Code, e.Message)
}

func (b *Bybit) apiError(code int, msg string) error {
	if bybitTransientCodes[code] {
		return NewExchangeError(b.name, strconv.Itoa(code), msg, nil)
	}
	return &BybitAPIError{Code: code, Message: msg}
}

func (b *Bybit) CreateMarketOrder(ctx context.Context, cred Credential, instrument string, side models.Side, qty float64) (*models.Order, error) {
	return b.createOrder(ctx, cred, instrument, models.OrderTypeMarket, side, 0, qty)
}

func (b *Bybit) CreateLimitOrder(ctx context.Context, cred Credential, instrument string, side models.Side, price, qty float64) (*models.Order, error) {
	return b.createOrder(ctx, cred, instrument, models.OrderTypeLimit, side, price, qty)
}

func (b *Bybit) createOrder(ctx context.Context, cred Credential, instrument string, typ models.OrderType, side models.Side, price, qty float64) (*models.Order, error) {
	symbol, err := bybitSymbol(instrument)
	if err != nil {
		return nil, err
	}
	if qty <= 0 {
		return nil, fmt.Errorf("%s: invalid qty %v", b.name, qty)
	}

	params := map[string]string{
		"category":   bybitCategory,
		"symbol":     symbol,
		"side":       bybitSide(side),
		"qty":        decimal.NewFromFloat(qty).String(),
		"marketUnit": "baseCoin",
	}
	if typ == models.OrderTypeMarket {
		params["orderType"] = "Market"
	} else {
		params["orderType"] = "Limit"
		params["price"] = decimal.NewFromFloat(price).String()
		params["timeInForce"] = "GTC"
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := b.doRequest(ctx, cred, http.MethodPost, "/v5/order/create", params, &result); err != nil {
		return nil, err
	}
	if result.OrderID == "" {
		return nil, fmt.Errorf("%s: empty order id", b.name)
	}

	return &models.Order{
		ID:         result.OrderID,
		Venue:      b.name,
		Instrument: instrument,
		Side:       side,
		Type:       typ,
		Price:      price,
		Qty:        qty,
		State:      models.OrderSubmitted,
		UpdatedAt:  time.Now(),
	}, nil
}

type bybitOrder struct {
	OrderID     string `json:"orderId"`
	OrderStatus string `json:"orderStatus"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
	UpdatedTime string `json:"updatedTime"`
}

// GetOrder ищет ордер среди открытых, затем в истории
func (b *Bybit) GetOrder(ctx context.Context, cred Credential, order *models.Order) (*models.Order, error) {
	symbol, err := bybitSymbol(order.Instrument)
	if err != nil {
		return nil, err
	}
	params := map[string]string{
		"category": bybitCategory,
		"symbol":   symbol,
		"orderId":  order.ID,
	}

	for _, endpoint := range []string{"/v5/order/realtime", "/v5/order/history"} {
		var result struct {
			List []bybitOrder `json:"list"`
		}
		if err := b.doRequest(ctx, cred, http.MethodGet, endpoint, params, &result); err != nil {
			return nil, err
		}
		for _, o := range result.List {
			if o.OrderID == order.ID {
				return b.applyOrder(order, o), nil
			}
		}
	}

	// только что созданный ордер может ещё не попасть в выдачу
	return nil, NewExchangeError(b.name, "", "order "+order.ID+" not found", nil)
}

func (b *Bybit) applyOrder(order *models.Order, o bybitOrder) *models.Order {
	out := order.Clone()
	out.State = bybitOrderState(o.OrderStatus)
	out.QtyExecuted = parseDecimal(o.CumExecQty)
	out.PriceExecutedAverage = parseDecimal(o.AvgPrice)
	if price := parseDecimal(o.Price); price > 0 && out.Type == models.OrderTypeLimit {
		out.Price = price
	}
	out.UpdatedAt = time.Now()
	if ms, err := strconv.ParseInt(o.UpdatedTime, 10, 64); err == nil && ms > 0 {
		out.UpdatedAt = time.UnixMilli(ms)
	}
	return out
}

func (b *Bybit) CancelOrder(ctx context.Context, cred Credential, order *models.Order) error {
	symbol, err := bybitSymbol(order.Instrument)
	if err != nil {
		return err
	}
	params := map[string]string{
		"category": bybitCategory,
		"symbol":   symbol,
		"orderId":  order.ID,
	}
	err = b.doRequest(ctx, cred, http.MethodPost, "/v5/order/cancel", params, nil)
	var apiErr *BybitAPIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == bybitCodeOrderNotExists || apiErr.Code == bybitCodeOrderNotExists2 {
			return ErrCannotCancel
		}
	}
	return err
}

// GetBalances возвращает балансы единого аккаунта; Used - заблокировано в ордерах
func (b *Bybit) GetBalances(ctx context.Context, cred Credential) (map[string]BalanceInfo, error) {
	var result struct {
		List []struct {
			Coin []struct {
				Coin          string `json:"coin"`
				WalletBalance string `json:"walletBalance"`
				Locked        string `json:"locked"`
			} `json:"coin"`
		} `json:"list"`
	}
	params := map[string]string{"accountType": "UNIFIED"}
	if err := b.doRequest(ctx, cred, http.MethodGet, "/v5/account/wallet-balance", params, &result); err != nil {
		return nil, err
	}

	out := make(map[string]BalanceInfo)
	for _, account := range result.List {
		for _, c := range account.Coin {
			out[c.Coin] = BalanceInfo{
				Total: parseDecimal(c.WalletBalance),
				Used:  parseDecimal(c.Locked),
			}
		}
	}
	return out, nil
}

// ============ Преобразования ============

// bybitSymbol - "XRP_USDT" -> "XRPUSDT"
func bybitSymbol(instrument string) (string, error) {
	base, quote, err := SplitInstrument(instrument)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(base + quote), nil
}

func bybitSide(side models.Side) string {
	if side == models.SideSell {
		return "Sell"
	}
	return "Buy"
}

func bybitOrderState(status string) models.OrderState {
	switch status {
	case "Created", "New", "PartiallyFilled", "Untriggered":
		return models.OrderActive
	case "Filled":
		return models.OrderFilled
	case "Cancelled", "PartiallyFilledCanceled", "Rejected":
		return models.OrderCancelled
	case "Deactivated":
		return models.OrderExpired
	default:
		return models.OrderSubmitted
	}
}

// parseDecimal разбирает числовую строку биржи; пусто или мусор - 0
func parseDecimal(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return d.InexactFloat64()
}
