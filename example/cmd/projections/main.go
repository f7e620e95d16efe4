package main

import (
	"context"
	"fmt"
	"log"

	"github.com/aneshas/eventflow"
	"github.com/aneshas/eventflow/example/bank"
	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
)

type config struct {
	PostgresDSN string `env:"POSTGRES_DSN"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"bankdb"`
}

// An example projection that maintains the mean withdrawal value
// in memory - it might as well write to any kind of database
func main() {
	var cfg config

	checkErr(env.Parse(&cfg))

	logger, err := zap.NewProduction()
	checkErr(err)

	defer func() { _ = logger.Sync() }()

	storage := eventflow.WithSQLiteDB(cfg.SQLitePath)

	if cfg.PostgresDSN != "" {
		storage = eventflow.WithPostgresDB(cfg.PostgresDSN)
	}

	journal, err := eventflow.Open(
		eventflow.NewJSONCodec(bank.Events()...),
		storage,
	)
	checkErr(err)

	defer func() { _ = journal.Close() }()

	projector := eventflow.NewProjector(
		journal,
		eventflow.WithProjectorLogger(logger),
	)

	var count, sum int

	projector.Add(func(envelope eventflow.Envelope) error {
		w, ok := envelope.Event.(bank.Withdrawn)
		if !ok {
			return nil
		}

		count++
		sum += w.Amount

		fmt.Printf("mean withdrawal value: %.2f\n", float64(sum)/float64(count))

		return nil
	})

	checkErr(projector.Run(context.Background()))
}

func checkErr(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
