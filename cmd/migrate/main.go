package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"stockroom.app/internal/auth"
	"stockroom.app/internal/migrate"
	"stockroom.app/internal/obs"
	"stockroom.app/internal/store/pg"
)

func main() {
	log := obs.Logger()
	var (
		dsn       = flag.String("dsn", os.Getenv("STOCKROOM_PG_DSN"), "PostgreSQL DSN")
		seedsPath = flag.String("seeds", "", "Optional directory of SQL seed files")
		timeout   = flag.Duration("timeout", 30*time.Second, "Overall timeout")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or STOCKROOM_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	st, err := pg.Open(*dsn)
	if err != nil {
		log.WithError(err).Fatal("open db")
	}
	defer st.Close()

	var opts []migrate.Option
	if *seedsPath != "" {
		opts = append(opts, migrate.WithSeeds(os.DirFS(*seedsPath)))
	}
	mgr := migrate.NewManager(st.DB(), migrate.Migrations(), opts...)

	cmd := flag.Arg(0)
	switch cmd {
	case "up":
		err = mgr.Up(ctx)
		if err == nil {
			// каталог разрешений нужен сразу после схемы
			err = st.EnsurePermissions(ctx, auth.BuiltinPermissions)
		}
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = st.EnsurePermissions(ctx, auth.BuiltinPermissions)
		if err == nil {
			err = mgr.Seed(ctx)
		}
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", cmd)
	}
	if err != nil {
		log.WithError(err).WithField("command", cmd).Fatal("migrate failed")
	}
	log.WithField("command", cmd).Info("migrate_done")
}
