package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"shopimage/internal/infra"
	"shopimage/internal/ledger"
)

func main() {
	var (
		shopFlag     string
		grantFlag    int64
		keyFlag      string
		reasonFlag   string
		planFlag     string
		purchaseFlag string
		listFlag     int
	)

	flag.StringVar(&shopFlag, "shop", "", "merchant (shop domain) to inspect or credit")
	flag.Int64Var(&grantFlag, "grant", 0, "credits to add; requires -key")
	flag.StringVar(&keyFlag, "key", "", "idempotency key for -grant; reusing a key never credits twice")
	flag.StringVar(&reasonFlag, "reason", "Manual grant", "ledger reason recorded with -grant")
	flag.StringVar(&planFlag, "plan", "", "credit plan to apply (100, 500, 1000, 5000); requires -purchase")
	flag.StringVar(&purchaseFlag, "purchase", "", "external purchase id for -plan")
	flag.IntVar(&listFlag, "list", 10, "number of recent transactions to print (0 to skip)")
	flag.Parse()

	_ = godotenv.Load()

	shop := strings.TrimSpace(shopFlag)
	if shop == "" {
		exitWithError(errors.New("-shop is required"))
	}
	if grantFlag < 0 {
		exitWithError(errors.New("-grant must not be negative"))
	}
	if grantFlag > 0 && strings.TrimSpace(keyFlag) == "" {
		exitWithError(errors.New("-key is required with -grant"))
	}
	if (planFlag == "") != (purchaseFlag == "") {
		exitWithError(errors.New("-plan and -purchase must be given together"))
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(errors.New("DATABASE_URL is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("failed to connect database: %w", err))
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "credits").Logger()
	credits := ledger.New(infra.NewSQLRunner(pool, logger), logger)

	balance, err := credits.EnsureAccount(ctx, shop, 0)
	if err != nil {
		exitWithError(fmt.Errorf("failed to open account: %w", err))
	}

	if grantFlag > 0 {
		applied, err := credits.AddIdempotent(ctx, shop, grantFlag, reasonFlag, "grant:"+strings.TrimSpace(keyFlag))
		if err != nil {
			exitWithError(fmt.Errorf("failed to grant credits: %w", err))
		}
		if applied == nil {
			fmt.Printf("grant %q was already applied\n", keyFlag)
		} else {
			balance = *applied
			fmt.Printf("granted %d credits\n", grantFlag)
		}
	}

	if planFlag != "" {
		applied, err := credits.Purchase(ctx, shop, planFlag, purchaseFlag)
		if err != nil {
			exitWithError(fmt.Errorf("failed to apply purchase: %w", err))
		}
		if applied == nil {
			fmt.Printf("purchase %q was already applied\n", purchaseFlag)
		} else {
			balance = *applied
			fmt.Printf("applied plan %s\n", planFlag)
		}
	}

	fmt.Printf("shop %s balance=%d\n", shop, balance)

	if listFlag > 0 {
		txs, err := credits.Transactions(ctx, shop, listFlag)
		if err != nil {
			exitWithError(fmt.Errorf("failed to list transactions: %w", err))
		}
		for _, tx := range txs {
			ref := ""
			if tx.Reference != nil {
				ref = " ref=" + *tx.Reference
			}
			fmt.Printf("%s %+d %s key=%s%s\n", tx.CreatedAt.Format(time.RFC3339), tx.Delta, tx.Reason, tx.IdempotencyKey, ref)
		}
	}
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
