package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/safar/arms-allocation/internal/allocation"
	"github.com/safar/arms-allocation/internal/api"
	"github.com/safar/arms-allocation/internal/assignment"
	"github.com/safar/arms-allocation/internal/config"
	"github.com/safar/arms-allocation/internal/database"
	"github.com/safar/arms-allocation/internal/lock"
	"github.com/safar/arms-allocation/internal/logging"
	"github.com/safar/arms-allocation/internal/payment"
	"github.com/safar/arms-allocation/internal/stock"
	"github.com/safar/arms-allocation/internal/store"
)

const shutdownTimeout = 10 * time.Second

// backend is everything the services need from persistence. Both
// store.Postgres and store.Memory satisfy it.
type backend interface {
	stock.Store
	assignment.Catalog
	assignment.Store
	payment.Store
	allocation.PaymentWriter
	store.WeaponCreator
	api.Pinger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	log := logging.New(cfg.Log)

	st, closeStore, err := openStore(cfg)
	if err != nil {
		log.WithError(err).Fatal("open store")
	}
	defer closeStore()

	if cfg.Store.SeedFile != "" {
		if err := seed(context.Background(), st, cfg.Store.SeedFile, log); err != nil {
			log.WithError(err).Fatal("seed weapons")
		}
	}

	locker, closeLocker := openLocker(cfg, log)
	defer closeLocker()

	stocks := stock.NewService(st, locker, log)
	assignments := assignment.NewService(st, stocks, st, log)
	payments := payment.NewService(st, log)
	engine := payment.NewEngine(cfg.Billing.DefaultInstallments)
	orchestrator := allocation.NewOrchestrator(assignments, stocks, payments, engine, st, cfg.Billing.TaxRatePercent, log)

	handler := api.NewHandler(orchestrator, assignments, payments, stocks, st, log, cfg.Server.WriteTimeout)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.WithFields(logrus.Fields{
			"port":  cfg.Server.Port,
			"store": cfg.Store.Driver,
			"lock":  cfg.Lock.Backend,
		}).Info("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}

func openStore(cfg *config.Config) (backend, func(), error) {
	if cfg.Store.Driver == config.StoreDriverMemory {
		return store.NewMemory(), func() {}, nil
	}

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return store.NewPostgres(db), func() { db.Close() }, nil
}

func openLocker(cfg *config.Config, log logrus.FieldLogger) (lock.Locker, func()) {
	if cfg.Lock.Backend != config.LockBackendRedis {
		return lock.NewKeyed(), func() {}
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Lock.RedisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.WithError(err).WithField("addr", cfg.Lock.RedisAddr).Fatal("connect to redis")
	}
	return lock.NewRedis(rdb, cfg.Lock.TTL, cfg.Lock.RetryCount, cfg.Lock.RetryBackoff), func() { rdb.Close() }
}

func seed(ctx context.Context, dst store.WeaponCreator, path string, log logrus.FieldLogger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	seeds, err := store.ReadSeed(f)
	if err != nil {
		return err
	}
	created, err := store.Seed(ctx, dst, seeds)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"file":    path,
		"entries": len(seeds),
		"created": len(created),
	}).Info("weapons seeded")
	return nil
}
