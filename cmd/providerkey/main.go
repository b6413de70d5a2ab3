package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"mediajobs/internal/infra"
	"mediajobs/internal/infra/credentials"
)

func main() {
	var (
		keyFlag      string
		providerFlag string
		remove       bool
		list         bool
	)
	flag.StringVar(&keyFlag, "key", "", "API key for the provider (falls back to PROVIDER_QUEUE_API_KEY)")
	flag.StringVar(&providerFlag, "provider", credentials.ProviderQueue, "provider whose key is stored")
	flag.BoolVar(&remove, "delete", false, "remove the stored key instead of setting it")
	flag.BoolVar(&list, "list", false, "list providers with a stored key and when it was last rotated")
	flag.Parse()

	_ = godotenv.Load()

	provider := strings.TrimSpace(strings.ToLower(providerFlag))
	if provider == "" {
		provider = credentials.ProviderQueue
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create pool: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	logger := infra.NewLogger("cli", "warn").With().Str("cmd", "providerkey").Str("provider", provider).Logger()
	store := credentials.NewStore(infra.NewSQLRunner(pool, logger))

	switch {
	case list:
		entries, err := store.List(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to list api keys: %v\n", err)
			os.Exit(1)
		}
		for _, e := range entries {
			fmt.Printf("%-16s  rotated %s  created %s\n", e.Provider, e.UpdatedAt.Local().Format(time.DateTime), e.CreatedAt.Local().Format(time.DateTime))
		}
		return
	case remove:
		found, err := store.Delete(ctx, provider)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to delete %s api key: %v\n", provider, err)
			os.Exit(1)
		}
		if !found {
			fmt.Printf("no %s API key was stored\n", provider)
			return
		}
		fmt.Printf("%s API key removed\n", provider)
		return
	}

	key := strings.TrimSpace(keyFlag)
	if key == "" {
		key = strings.TrimSpace(os.Getenv("PROVIDER_QUEUE_API_KEY"))
	}
	if key == "" {
		fmt.Fprintln(os.Stderr, "API key is required via -key or PROVIDER_QUEUE_API_KEY")
		os.Exit(1)
	}

	if err := store.SetToken(ctx, provider, key, map[string]any{"updated_by": "providerkey"}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to persist %s api key: %v\n", provider, err)
		os.Exit(1)
	}
	fmt.Printf("%s API key stored successfully\n", provider)
}
