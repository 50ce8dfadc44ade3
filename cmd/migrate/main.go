package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/reserva/backend/internal/infrastructure/config"
	"github.com/reserva/backend/internal/infrastructure/logger"
	"github.com/reserva/backend/internal/infrastructure/persistence"
)

func main() {
	var logLevel string
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	command := args[0]

	// Initialize logger
	log, err := logger.New(&logger.Config{
		Level:      logLevel,
		Format:     "console",
		Output:     "stdout",
		TimeFormat: "2006-01-02 15:04:05",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Connect with the schema logger at the requested level
	gormLog := logger.NewGormLogger(log, logger.MapGormLogLevel(logLevel))
	db, err := persistence.NewDatabaseWithCustomLogger(&cfg.Database, gormLog)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()

	switch command {
	case "up":
		log.Info("Running schema migration",
			zap.String("driver", string(cfg.Database.Driver)),
			zap.String("database", cfg.Database.DBName),
		)
		if err := db.AutoMigrate(); err != nil {
			log.Fatal("Migration failed", zap.Error(err))
		}
		log.Info("Migration completed successfully")

	case "status":
		migrator := db.DB.Migrator()
		models := []struct {
			name  string
			model any
		}{
			{"venues", &persistence.VenueModel{}},
			{"venue_platform_refs", &persistence.VenuePlatformRefModel{}},
			{"reservations", &persistence.ReservationModel{}},
			{"api_calls", &persistence.APICallModel{}},
		}
		for _, m := range models {
			state := "missing"
			if migrator.HasTable(m.model) {
				state = "present"
			}
			log.Info("Table status",
				zap.String("table", m.name),
				zap.String("state", state),
			)
		}
		stats, err := db.Stats()
		if err != nil {
			log.Fatal("Failed to read pool stats", zap.Error(err))
		}
		log.Info("Connection pool",
			zap.Int("open", stats.OpenConnections),
			zap.Int("in_use", stats.InUse),
			zap.Int("idle", stats.Idle),
		)

	default:
		log.Error("Unknown command", zap.String("command", command))
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Reserva schema migration tool

Usage:
  migrate [flags] <command>

Commands:
  up       Apply the schema to the configured database
  status   Report table presence and connection pool state

Flags:
  -log-level string   Log level (debug, info, warn, error) (default "info")`)
}
