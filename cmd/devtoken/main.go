// Command devtoken prints a signed access token for local testing.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/photoedit/photoedit-api/internal/config"
	"github.com/photoedit/photoedit-api/internal/pkg/jwt"
)

func main() {
	uid := flag.String("uid", "", "user id (random when empty)")
	email := flag.String("email", "", "email claim")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	cfg := config.Load()
	if cfg.IsProduction() {
		fmt.Fprintln(os.Stderr, "devtoken refuses to run with ENV=production")
		os.Exit(1)
	}

	if cfg.JWTSecret == "" {
		fmt.Fprintln(os.Stderr, "JWT_SECRET is required")
		os.Exit(1)
	}

	if *uid == "" {
		*uid = uuid.NewString()
	}

	token, err := jwt.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer).Issue(*uid, *email, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("uid:   %s\n", *uid)
	fmt.Printf("token: %s\n", token)
}
