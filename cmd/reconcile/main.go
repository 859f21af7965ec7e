// Command reconcile reports weapons whose available units disagree with the
// units held by live assignments, and RESERVED assignments that never got a
// payment. It never writes.
package main

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/safar/arms-allocation/internal/config"
	"github.com/safar/arms-allocation/internal/database"
	"github.com/safar/arms-allocation/internal/logging"
	"github.com/safar/arms-allocation/internal/store"
)

// reservationGrace covers the gap between the assignment and payment writes
// of an allocation in flight.
const reservationGrace = 5 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	log := logging.New(cfg.Log)

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	drifts, err := store.ListStockDrift(ctx, db)
	if err != nil {
		log.WithError(err).Fatal("list stock drift")
	}

	for _, d := range drifts {
		log.WithFields(logrus.Fields{
			"weapon_id": d.WeaponID,
			"sku":       d.SKU,
			"total":     d.TotalUnits,
			"available": d.AvailableUnits,
			"held":      d.HeldUnits,
			"drift":     d.Drift,
		}).Warn("stock drift")
	}

	unpaid, err := store.ListUnpaidReservations(ctx, db, time.Now().Add(-reservationGrace))
	if err != nil {
		log.WithError(err).Fatal("list unpaid reservations")
	}

	for _, a := range unpaid {
		log.WithFields(logrus.Fields{
			"assignment_id": a.ID,
			"reference":     a.Reference,
			"client_id":     a.ClientID,
			"weapon_id":     a.WeaponID,
			"quantity":      a.Quantity,
			"assigned_at":   a.AssignedAt,
		}).Warn("reserved assignment without payment")
	}

	if len(drifts) > 0 || len(unpaid) > 0 {
		log.WithFields(logrus.Fields{
			"drifting_weapons":    len(drifts),
			"unpaid_reservations": len(unpaid),
		}).Error("stock does not reconcile")
		db.Close()
		os.Exit(1)
	}
	log.Info("stock reconciles")
}
