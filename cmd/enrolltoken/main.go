// cmd/enrolltoken/main.go: issues a one-time enrollment token for a kiosk.
// Usage: go run ./cmd/enrolltoken -account <uuid> -branch <uuid> [-ttl 24h]
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"xpos/internal/config"
	"xpos/internal/service"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	account := flag.String("account", "", "account id the kiosk is bound to")
	branch := flag.String("branch", "", "branch id the kiosk is bound to")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	accountID, err := uuid.Parse(*account)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid -account")
	}
	branchID, err := uuid.Parse(*branch)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid -branch")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.JWTSecret == "" {
		log.Fatal().Msg("JWT_SECRET is not set")
	}

	tok, err := service.IssueEnrollmentToken(cfg.JWTSecret, accountID, branchID, *ttl, time.Now())
	if err != nil {
		log.Fatal().Err(err).Msg("sign enrollment token")
	}
	fmt.Println(tok)
}
