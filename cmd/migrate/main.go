package main

import (
	"fmt"

	"carehub/internal/platform/config"
	"carehub/internal/platform/database"
	"carehub/internal/pkg/logger"

	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up, down or version")
	steps := flag.Int("steps", 1, "Number of migrations to roll back when direction is down")
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	logger.Init(cfg.Logging)

	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	switch *direction {
	case "up":
		if err := database.Migrate(db); err != nil {
			log.Fatal().Err(err).Msg("Migration failed")
		}
	case "down":
		if err := database.Rollback(db, *steps); err != nil {
			log.Fatal().Err(err).Msg("Rollback failed")
		}
	case "version":
	default:
		log.Fatal().Str("direction", *direction).Msg("Invalid direction: must be 'up', 'down' or 'version'")
	}

	version, dirty, err := database.Version(db)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read schema version")
	}
	fmt.Printf("Schema version %d (dirty: %t)\n", version, dirty)
}
