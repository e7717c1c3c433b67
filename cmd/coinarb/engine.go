package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"coinarb/internal/bot"
	"coinarb/internal/config"
	"coinarb/internal/exchange"
	"coinarb/internal/funds"
	"coinarb/internal/marketdata"
	"coinarb/internal/models"
	"coinarb/internal/repository"
	"coinarb/internal/service"
	"coinarb/internal/websocket"
	"coinarb/pkg/utils"
)

// engine - собранное торговое ядро и его окружение
type engine struct {
	trading *config.Trading
	logger  *utils.Logger

	connectors   map[string]exchange.Connector
	mirrors      map[string]exchange.Connector // источники стаканов симуляторов
	agents       map[string]*bot.Agent
	orchestrator *bot.Orchestrator
	provider     *marketdata.Provider
	fx           *marketdata.FxProvider
	hub          *websocket.Hub

	venues        *service.VenueService
	trades        *service.TradeService
	notifications *service.NotificationService
	retention     time.Duration
}

// newEngine собирает коннекторы, учёт капитала, агентов и оркестратор.
// db == nil - журнал сделок отключён.
func newEngine(cfg *config.Config, trading *config.Trading, db *sql.DB, logger *utils.Logger) (*engine, error) {
	e := &engine{
		trading:    trading,
		logger:     logger,
		connectors: make(map[string]exchange.Connector, len(trading.Venues)),
		mirrors:    make(map[string]exchange.Connector),
		agents:     make(map[string]*bot.Agent, len(trading.Venues)),
		hub:        websocket.NewHub(cfg.Server.AllowedOrigins, logger),
		retention:  cfg.Engine.NotificationRetention,
	}

	var secretKey []byte
	if cfg.Security.EncryptionKey != "" {
		secretKey = []byte(cfg.Security.EncryptionKey)
	}

	for _, name := range trading.VenueNames() {
		v := trading.Venues[name]

		opts := v.ConnectorOptions(name)
		opts.Logger = logger
		conn, err := exchange.NewConnector(v.Kind, opts)
		if err != nil {
			return nil, fmt.Errorf("venue %s: %w", name, err)
		}

		if mopts := v.MirrorOptions(name); mopts != nil {
			mopts.Logger = logger
			src, err := exchange.NewConnector(v.Mirror.Kind, *mopts)
			if err != nil {
				return nil, fmt.Errorf("venue %s mirror: %w", name, err)
			}
			e.mirrors[name] = src
		}

		pool, err := credentialPool(name, v, secretKey, cfg.Engine.Debug)
		if err != nil {
			return nil, err
		}

		ledger := funds.NewLedger(name, v.LockedFunds(), logger)
		ledger.SetObserver(e.hub.OnBalance)

		e.connectors[name] = conn
		e.agents[name] = bot.NewAgent(name, v.BotAgentConfig(cfg.Engine.Debug), conn, pool, ledger,
			bot.NewBookWatchStrategy(bot.DefaultBookStaleAfter), logger)
	}

	var (
		journal          bot.Journal
		tradeRepo        service.TradeRepositoryInterface
		notificationRepo service.NotificationRepositoryInterface
	)
	if db != nil {
		trades := repository.NewTradeRepository(db)
		notifications := repository.NewNotificationRepository(db)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := trades.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("trade journal schema: %w", err)
		}
		if err := notifications.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("notification journal schema: %w", err)
		}
		journal = trades
		tradeRepo = trades
		notificationRepo = notifications
	}

	// оповещения сохраняются в журнал и уходят клиентам hub
	e.notifications = service.NewNotificationService(notificationRepo, e.hub, logger)

	orch, err := bot.NewOrchestrator(trading.BotRoutes(), e.agents, journal, e.notifications, logger)
	if err != nil {
		return nil, err
	}
	e.orchestrator = orch

	e.provider = marketdata.NewProvider(marketdata.ProviderConfig{
		HomeCurrency: trading.HomeCurrency,
		StaleAfter:   cfg.Engine.StaleRate,
	}, logger)
	e.provider.RegisterCallback(e.dispatchToAgent)
	e.provider.RegisterCallback(orch.OnData)

	e.fx = marketdata.NewFxProvider(trading.FxProviderConfig(),
		marketdata.NewHTTPClient(marketdata.DefaultHTTPClientConfig()), logger)
	e.fx.RegisterCallback(e.provider.OnFxData)

	e.venues = service.NewVenueService(e.agents)
	e.trades = service.NewTradeService(tradeRepo)
	return e, nil
}

// credentialPool расшифровывает ключи биржи; симулятору и debug-режиму ключи не нужны
func credentialPool(venue string, v config.VenueConfig, secretKey []byte, debug bool) (*exchange.CredentialPool, error) {
	if len(v.Credentials) == 0 {
		if v.Kind == "paper" || debug {
			return nil, nil
		}
		return nil, fmt.Errorf("venue %s: credentials are required for kind %s", venue, v.Kind)
	}
	creds, err := exchange.OpenCredentials(v.Credentials, secretKey)
	if err != nil {
		return nil, fmt.Errorf("venue %s: %w", venue, err)
	}
	return exchange.NewCredentialPool(creds)
}

// dispatchToAgent передаёт события биржи стратегии её агента
func (e *engine) dispatchToAgent(venue string, key models.Key, payload interface{}) {
	if a, ok := e.agents[venue]; ok {
		a.OnData(key, payload)
	}
}

// open открывает потоки бирж и подписывает провайдера на стаканы маршрутов
func (e *engine) open(ctx context.Context) error {
	for _, name := range e.trading.VenueNames() {
		conn := e.connectors[name]
		if err := conn.Open(ctx); err != nil {
			return fmt.Errorf("open %s: %w", name, err)
		}
		instruments := e.trading.Instruments(name)
		if len(instruments) == 0 {
			e.logger.Warn("venue has no routes", zap.String("exchange", name))
		}
		if err := e.provider.Attach(conn, instruments); err != nil {
			return err
		}
		if err := e.openMirror(ctx, name, conn, instruments); err != nil {
			return err
		}
	}
	return nil
}

// openMirror подключает симулятор к стаканам его источника
func (e *engine) openMirror(ctx context.Context, name string, conn exchange.Connector, instruments []string) error {
	src, ok := e.mirrors[name]
	if !ok {
		if _, isPaper := exchange.AsPaper(conn); isPaper && len(instruments) > 0 {
			e.logger.Warn("paper venue has no mirror, order books must be set manually",
				zap.String("exchange", name))
		}
		return nil
	}
	paper, ok := exchange.AsPaper(conn)
	if !ok {
		return fmt.Errorf("venue %s: mirror requires a paper connector", name)
	}
	if err := paper.Mirror(src, instruments); err != nil {
		return fmt.Errorf("mirror %s: %w", name, err)
	}
	if err := src.Open(ctx); err != nil {
		return fmt.Errorf("open %s mirror: %w", name, err)
	}
	e.logger.Info("paper venue mirrors order books",
		zap.String("exchange", name),
		zap.String("source", e.trading.Venues[name].Mirror.Kind))
	return nil
}

// closeMirrors закрывает источники стаканов
func (e *engine) closeMirrors() {
	for name, src := range e.mirrors {
		if err := src.Close(); err != nil {
			e.logger.Warn("mirror close failed", zap.String("exchange", name), zap.Error(err))
		}
	}
}

// start запускает hub, провайдеры данных и агентов в группе g
func (e *engine) start(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error { return e.hub.Run(ctx) })
	g.Go(func() error { return e.provider.Run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		e.closeMirrors()
		return nil
	})
	g.Go(func() error { return e.fx.Run(ctx) })
	g.Go(func() error { return e.notifications.RunRetention(ctx, time.Hour, e.retention) })

	for name, a := range e.agents {
		name, a := name, a
		g.Go(func() error {
			if err := a.Run(ctx); err != nil {
				return fmt.Errorf("agent %s: %w", name, err)
			}
			return nil
		})
	}
}

// stopAgents останавливает агентов и ждёт их завершения не дольше wait
func (e *engine) stopAgents(wait time.Duration) {
	for _, a := range e.agents {
		a.Stop()
	}

	done := make(chan struct{})
	go func() {
		for _, a := range e.agents {
			a.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(wait):
		e.logger.Warn("agents did not stop in time", zap.Duration("wait", wait))
	}
}
