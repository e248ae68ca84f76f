package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"scopegate.org/internal/config"
	"scopegate.org/internal/migrate"
)

func main() {
	log.SetFlags(0)
	var (
		driver         = flag.String("driver", "postgres", "Database driver: postgres or sqlite")
		dsn            = flag.String("dsn", os.Getenv("SCOPEGATE_PG_DSN"), "PostgreSQL DSN")
		path           = flag.String("path", "", "SQLite database path")
		migrationsPath = flag.String("migrations", "ops/migrations/sql", "Path to SQL migrations")
		seedsPath      = flag.String("seeds", "ops/migrations/seeds", "Path to SQL seeds")
		configPath     = flag.String("config", "config.yaml", "Config file for the ddl command")
	)
	flag.Parse()

	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status|ddl]")
	}

	// ddl only reads the config, no database required.
	if flag.Arg(0) == "ddl" {
		if err := printDDL(*configPath, migrate.Driver(*driver)); err != nil {
			log.Fatalf("migrate ddl: %v", err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := openDB(*driver, *dsn, *path)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, migrate.Driver(*driver), *migrationsPath, *seedsPath)

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

func openDB(driver, dsn, path string) (*sql.DB, error) {
	switch driver {
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("missing DSN: provide via -dsn or SCOPEGATE_PG_DSN")
		}
		return sql.Open("pgx", dsn)
	case "sqlite":
		if path == "" {
			return nil, fmt.Errorf("missing path: provide via -path")
		}
		return sql.Open("sqlite", path)
	default:
		return nil, fmt.Errorf("unknown driver %q", driver)
	}
}

// printDDL emits create statements for every resource declared in the
// config, suitable for pasting into a new migration file.
func printDDL(configPath string, driver migrate.Driver) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	descriptors, err := cfg.BuildDescriptors()
	if err != nil {
		return err
	}
	for _, d := range descriptors {
		fmt.Println(migrate.TableDDL(d, driver))
	}
	return nil
}
