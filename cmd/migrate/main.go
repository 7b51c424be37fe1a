// Command migrate manages the hub's PostgreSQL schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"ocpihub.org/internal/migrate"
	"ocpihub.org/internal/store/pg"
)

const usage = "usage: migrate [-dsn DSN] [-steps N] up|down|status"

func main() {
	log.SetFlags(0)
	var (
		dsn     = flag.String("dsn", os.Getenv("OCPIHUB_PG_DSN"), "PostgreSQL DSN (default $OCPIHUB_PG_DSN)")
		steps   = flag.Int("steps", 1, "migrations to roll back with down")
		timeout = flag.Duration("timeout", time.Minute, "overall deadline")
	)
	flag.Parse()
	if *dsn == "" || flag.NArg() != 1 {
		log.Fatal(usage)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := pg.Open(*dsn, pg.PoolConfig{MaxOpenConns: 2})
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer store.Close()

	if err := run(ctx, migrate.NewManager(store.DB(), pg.Migrations()), flag.Arg(0), *steps); err != nil {
		log.Fatalf("%s: %v", flag.Arg(0), err)
	}
}

func run(ctx context.Context, mgr *migrate.Manager, cmd string, steps int) error {
	switch cmd {
	case "up":
		n, err := mgr.Up(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("applied %d migration(s)\n", n)
	case "down":
		for i := 0; i < steps; i++ {
			if err := mgr.Down(ctx); err != nil {
				if i > 0 && errors.Is(err, migrate.ErrNoHistory) {
					break
				}
				return err
			}
		}
	case "status":
		list, err := mgr.Status(ctx)
		if err != nil {
			return err
		}
		for _, st := range list {
			fmt.Println(st)
		}
	default:
		return fmt.Errorf("unknown command (%s)", usage)
	}
	return nil
}
