package main

import (
	"context"
	"os"
	"strings"

	"github.com/initials101/mpesa-gateway/internal/config"
	"github.com/initials101/mpesa-gateway/internal/repository"
	"github.com/initials101/mpesa-gateway/internal/services"
	"github.com/initials101/mpesa-gateway/pkg/logger"
	"github.com/initials101/mpesa-gateway/pkg/pg"
)

// main.go migrate --dir=./migrations
// main.go repair
func main() {
	err := config.Load(getEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
	}

	switch command() {
	case "repair":
		runRepair()
	default:
		runMigrations()
	}
}

func runMigrations() {
	pgConf := pg.Config{
		User:     config.Get().PostgresWriteUser,
		Host:     config.Get().PostgresWriteHost,
		Port:     config.Get().PostgresWritePort,
		Password: config.Get().PostgresWritePassword,
		Database: config.Get().PostgresWriteDatabase,
	}
	err := pg.Migrate(pgConf, getMigrationPath())
	if err != nil {
		logger.Error("migration: error running migrations", "error", err)
	}
}

// runRepair flips transactions whose provider result code is 0 but whose
// status never reached SUCCESS. Such rows only appear after operator
// intervention or a historical bug, so this stays a manual command.
func runRepair() {
	readConf := pg.Config{
		User:     config.Get().PostgresReadUser,
		Host:     config.Get().PostgresReadHost,
		Port:     config.Get().PostgresReadPort,
		Password: config.Get().PostgresReadPassword,
		Database: config.Get().PostgresReadDatabase,
	}
	writeConf := pg.Config{
		User:     config.Get().PostgresWriteUser,
		Host:     config.Get().PostgresWriteHost,
		Port:     config.Get().PostgresWritePort,
		Password: config.Get().PostgresWritePassword,
		Database: config.Get().PostgresWriteDatabase,
	}
	db, err := pg.CreateReadWrite(readConf, writeConf, false)
	if err != nil {
		logger.Error("repair: failed to connect to postgres", "error", err)
		return
	}

	transactions := repository.NewTransactionRepository(db)
	svc := services.NewPaymentService(transactions, nil, nil, nil, nil)

	repaired, err := svc.RepairMismatchedStatuses(context.Background())
	if err != nil {
		logger.Error("repair: failed", "error", err)
		return
	}
	logger.Info("repair: finished", "repaired", repaired)
}

func command() string {
	for _, v := range os.Args[1:] {
		if !strings.HasPrefix(v, "--") {
			return v
		}
	}
	return ""
}

func getEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Open(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	if _, err := os.Open(".env"); err != nil {
		logger.Error("failed to open the passed env file, got error" + err.Error())
		return ""
	}
	return ".env"
}

func getMigrationPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--dir=") {
			s := strings.Split(v, "=")
			if _, err := os.Open(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	if _, err := os.Open("./migrations"); err != nil {
		logger.Error("failed to open the passed env file, got error" + err.Error())
		return ""
	}
	return "./migrations"
}
