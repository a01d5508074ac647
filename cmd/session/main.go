package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"shopimage/internal/middleware"
)

func main() {
	var (
		shopFlag string
		ttlFlag  time.Duration
	)
	flag.StringVar(&shopFlag, "shop", "", "shop domain to issue the session for")
	flag.DurationVar(&ttlFlag, "ttl", 24*time.Hour, "session lifetime")
	flag.Parse()

	_ = godotenv.Load()

	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if secret == "" {
		fmt.Fprintln(os.Stderr, "JWT_SECRET is required")
		os.Exit(1)
	}
	token, err := middleware.SignSessionToken(secret, strings.TrimSpace(shopFlag), ttlFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(token)
}
