package db

import (
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"pushrelay/internal/config"
)

var DB *sqlx.DB

func Init(cfg *config.Config) error {
	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName)

	var err error
	DB, err = sqlx.Connect("postgres", connStr)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		return err
	}

	if err := DB.Ping(); err != nil {
		slog.Error("Failed to ping database", "error", err)
		return err
	}

	slog.Info("Successfully connected to database ...")
	return nil
}

func Close() error {
	if DB != nil {
		return DB.Close()
	}
	return nil
}
