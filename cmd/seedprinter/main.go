// cmd/seedprinter/main.go: creates or replaces the active fiscal printer of
// an account for one purpose.
// Usage: go run ./cmd/seedprinter -account <uuid> -provider caspos -ip 10.0.0.20 -port 8080 -username u -password p
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"xpos/internal/config"
	"xpos/internal/fiscal"
	"xpos/internal/infra"
	"xpos/internal/model"
	"xpos/internal/repository"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	var (
		account  = flag.String("account", "", "account id")
		purpose  = flag.String("purpose", model.PurposeReceipt, "receipt | report")
		provider = flag.String("provider", "", "caspos | omnitech | nba | oneclick | azsmart | datecs")
		ip       = flag.String("ip", "", "printer IP address")
		port     = flag.Int("port", 0, "printer port")
		operator = flag.String("operator", "", "operator code")
		username = flag.String("username", "", "printer username")
		password = flag.String("password", "", "printer password or PIN")
		key      = flag.String("security-key", "", "security key")
		merchant = flag.String("merchant", "", "merchant id")
		tax      = flag.String("tax-rate", "18", "default tax rate percent")
		maxHours = flag.Int("shift-max-hours", 24, "hours before an open shift expires")
		mediated = flag.Bool("server-mediated", true, "print receipts through the server job queue")
	)
	flag.Parse()

	accountID, err := uuid.Parse(*account)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid -account")
	}
	taxRate, err := decimal.NewFromString(*tax)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid -tax-rate")
	}

	fc := &model.FiscalConfig{
		AccountID:      accountID,
		Purpose:        *purpose,
		Provider:       *provider,
		IPAddress:      *ip,
		Port:           *port,
		OperatorCode:   *operator,
		Username:       *username,
		Password:       *password,
		SecurityKey:    *key,
		MerchantID:     *merchant,
		DefaultTaxRate: taxRate,
		ShiftMaxHours:  *maxHours,
		ServerMediated: *mediated,
		IsActive:       true,
	}
	wire := fc.ToFiscal()
	if _, err := fiscal.Prepare(&wire); err != nil {
		log.Fatal().Err(err).Msg("printer config rejected")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	db, err := infra.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}

	// Saving through the cached repository drops the stale cache entry so
	// workers see the new printer on their next job.
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		if rdb, err = infra.NewRedis(cfg.RedisURL); err != nil {
			log.Warn().Err(err).Msg("redis unavailable, cached config expires on its own")
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}
	repo := repository.NewCachedFiscalConfigRepository(repository.NewFiscalConfigRepository(db), rdb, cfg.FiscalConfigCacheTTL())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := repo.Save(ctx, fc); err != nil {
		log.Fatal().Err(err).Msg("save fiscal config")
	}
	log.Info().Str("id", fc.ID.String()).Str("provider", fc.Provider).Str("purpose", fc.Purpose).Msg("fiscal printer saved")
}
