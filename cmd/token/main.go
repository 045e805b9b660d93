// Command token issues a bearer token for the query API, signed with
// JWT_SECRET.
//
//	token -sub reporting-dashboard -ttl 720h
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/suPer8Hu/crewjobs/internal/auth"
	"github.com/suPer8Hu/crewjobs/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	if err := run(os.Args[1:], cfg.JWTSecret, os.Stdout); err != nil {
		slog.Error("issue token", "error", err)
		os.Exit(2)
	}
}

func run(args []string, secret string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	sub := fs.String("sub", "", "subject the token is issued to (required)")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if strings.TrimSpace(secret) == "" {
		return errors.New("JWT_SECRET is not set")
	}
	if strings.TrimSpace(*sub) == "" {
		return errors.New("-sub is required")
	}
	if *ttl <= 0 {
		return errors.New("-ttl must be positive")
	}

	tok, err := auth.SignJWT(strings.TrimSpace(*sub), secret, *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, tok)
	return err
}
