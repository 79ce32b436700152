package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/DeliverySync/config"
	"github.com/BearBump/DeliverySync/internal/api/ordersapi"
	"github.com/BearBump/DeliverySync/internal/broker/kafka"
	"github.com/BearBump/DeliverySync/internal/cache/rediscache"
	"github.com/BearBump/DeliverySync/internal/deliverystatus"
	"github.com/BearBump/DeliverySync/internal/services/orderstatus"
	"github.com/BearBump/DeliverySync/internal/services/settlement"
	"github.com/BearBump/DeliverySync/internal/services/splitter"
	"github.com/BearBump/DeliverySync/internal/storage/pgorders"
)

type orderAPIApp struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     orderAPIOpts
	api      *ordersapi.OrdersAPI
	svc      *orderstatus.Service
	consumer *kafka.Consumer
	closers  []func()
}

func mustBootstrapOrderAPI() *orderAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	httpAddr := cfg.OrderAPI.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := cfg.OrderAPI.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "order-api"
	}
	topic := cfg.Kafka.OrderStatusChangedTopic
	if topic == "" {
		topic = "order.status_changed"
	}
	cacheTTL := time.Duration(cfg.OrderAPI.StatusCacheTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	lockTTL := time.Duration(cfg.OrderAPI.SplitLockTTLSeconds) * time.Second

	log := slog.Default().With("app", "order-api")

	st := mustOpenPostgresWithRetry(cfg.Database.ConnString(), 60*time.Second)
	rc := rediscache.New(cfg.Redis.Addr())
	locker := rediscache.NewLocker(cfg.Redis.Addr())
	producer := kafka.NewProducer(cfg.Kafka.Brokers())

	resolver := deliverystatus.NewResolver(deliverystatus.MustDefault(log))
	svc := orderstatus.New(st, resolver, rc, cacheTTL, log)
	settler := settlement.New(st, cfg.Settlement.EmployeeSharePercent, log)
	sp := splitter.New(st, locker, producer, settler, topic, log).
		WithSettings(cfg.Settlement.PriceMismatchTolerance, lockTTL)
	api := ordersapi.New(svc, sp, settler, log).WithAccounts(st)

	consumer := kafka.NewConsumer(cfg.Kafka.Brokers(), topic, consumerGroup).WithRetry(5, time.Second)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &orderAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: orderAPIOpts{
			httpAddr:      httpAddr,
			swaggerPath:   swaggerPath,
			topic:         topic,
			consumerGroup: consumerGroup,
			ready:         st.Ping,
		},
		api:      api,
		svc:      svc,
		consumer: consumer,
		closers: []func(){
			st.Close,
			func() { _ = rc.Close() },
			func() { _ = locker.Close() },
			func() { _ = producer.Close() },
		},
	}
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgorders.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgorders.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *orderAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *orderAPIApp) Run() error {
	return runOrderAPI(a.ctx, a.opts, a.api, a.svc, a.consumer)
}
