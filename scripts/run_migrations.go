package main

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/safar/arms-allocation/internal/config"
	"github.com/safar/arms-allocation/internal/database"
	"github.com/safar/arms-allocation/internal/logging"
)

func main() {
	log := logrus.New()
	if len(os.Args) < 2 {
		log.Fatal("Usage: go run scripts/run_migrations.go [up|down]")
	}
	direction := os.Args[1]

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	log = logging.New(cfg.Log)

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("connect to database")
	}
	defer db.Close()

	version, err := database.Migrate(db, "migrations", direction)
	if err != nil {
		log.WithError(err).Fatal("run migrations")
	}

	log.WithFields(logrus.Fields{"version": version, "direction": direction}).Info("migrations complete")
}
