// Package main is the entrypoint for the capabilities-executor.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/morezero/capabilities-executor/internal/config"
	"github.com/morezero/capabilities-executor/internal/server"
	"github.com/morezero/capabilities-executor/pkg/bootstrap"
	"github.com/morezero/capabilities-executor/pkg/db"
	"github.com/morezero/capabilities-executor/pkg/worker"
)

const usage = `Usage: capabilities-executor [command]
       capabilities-executor serve                  Start the executor (listeners, COMMS, health).
       capabilities-executor migrate up             Run database migrations.
       capabilities-executor migrate status         Show migration status.
       capabilities-executor manifest               Print the local worker manifest as JSON.
       capabilities-executor discover [dir]         Print the manifests found in dir.
       capabilities-executor register file [dir]    Register a manifest file for discovery.
       capabilities-executor jobs [limit]           Show the most recent jobs from the job log.

Commands:
  serve           (default) Start the executor.
  migrate up      Run database migrations only.
  migrate status  Show current migration status.
  manifest        Print what this executor can do locally.
  discover [dir]  List discoverable manifests (default MANIFEST_DIR, then the user manifest dir).
  register        Copy a JSON or YAML manifest into dir (default MANIFEST_DIR or the user manifest dir).
  jobs [limit]    List recent jobs (default 20).

Environment: DATABASE_URL (migrate, jobs), MIGRATION_PATH, MANIFEST_DIR, CLIENT_TRANSPORTS,
TCP_ADDR, HTTP_ADDR, WS_ADDR, COMMS_ENABLED, COMMS_URL, JWT_SECRET. See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("capabilities-executor migrate: require subcommand (up, status)")
		}
		sub := args[1]
		switch sub {
		case "up":
			if err := runMigrateUp(); err != nil {
				log.Fatalf("capabilities-executor migrate up: %v", err)
			}
		case "status":
			if err := runMigrateStatus(os.Stdout); err != nil {
				log.Fatalf("capabilities-executor migrate status: %v", err)
			}
		default:
			log.Fatalf("capabilities-executor migrate: unknown subcommand %q (use up, status)", sub)
		}
		return
	case "manifest":
		if err := runManifest(os.Stdout); err != nil {
			log.Fatalf("capabilities-executor manifest: %v", err)
		}
		return
	case "discover":
		dirs, err := manifestDirs(args[1:])
		if err != nil {
			log.Fatalf("capabilities-executor discover: %v", err)
		}
		if err := runDiscover(os.Stdout, dirs...); err != nil {
			log.Fatalf("capabilities-executor discover: %v", err)
		}
		return
	case "register":
		if len(args) < 2 {
			log.Fatalf("capabilities-executor register: require a manifest file")
		}
		dir := ""
		if len(args) > 2 {
			dir = args[2]
		} else {
			dirs, err := manifestDirs(nil)
			if err != nil {
				log.Fatalf("capabilities-executor register: %v", err)
			}
			dir = dirs[0]
		}
		if err := runRegister(os.Stdout, args[1], dir); err != nil {
			log.Fatalf("capabilities-executor register: %v", err)
		}
		return
	case "jobs":
		limit := 20
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				log.Fatalf("capabilities-executor jobs: invalid limit %q", args[1])
			}
			limit = n
		}
		if err := runJobs(os.Stdout, limit); err != nil {
			log.Fatalf("capabilities-executor jobs: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
		break
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("capabilities-executor: %v", err)
	}
}

// manifestDirs returns args when given, else MANIFEST_DIR (when set) and the user manifest dir.
func manifestDirs(args []string) ([]string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[:1], nil
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.ManifestDir != "" {
		return []string{cfg.ManifestDir, bootstrap.DefaultDir()}, nil
	}
	return []string{bootstrap.DefaultDir()}, nil
}

func openDB(ctx context.Context) (*db.Repository, func(), error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return db.NewRepository(pool, nil), pool.Close, nil
}

func runMigrateUp() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	migrations, err := db.LoadMigrationFiles(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := db.RunMigrations(ctx, pool, migrations); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func runMigrateStatus(w io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	return db.MigrationStatus(ctx, pool, cfg.MigrationPath, w)
}

func runManifest(w io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	m, err := worker.New(worker.Params{ID: cfg.ExecutorID}).Manifest(context.Background())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}

func runDiscover(w io.Writer, dirs ...string) error {
	manifests, err := bootstrap.LoadManifests(dirs...)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(manifests)
}

func runRegister(w io.Writer, file, dir string) error {
	m, err := bootstrap.LoadManifestFile(file)
	if err != nil {
		return err
	}
	id := m.ID
	if id == "" {
		id = strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	}
	path, err := bootstrap.WriteManifest(dir, id, m)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Registered %s at %s\n", id, path)
	return nil
}

func runJobs(w io.Writer, limit int) error {
	ctx := context.Background()
	repo, closeDB, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	jobs, err := repo.RecentJobs(ctx, limit)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tMETHOD\tPEER\tSTATUS\tFINISHED\tERROR")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", j.ID, j.Method, j.Peer, j.Status, j.Finished.Format(time.RFC3339), j.Error)
	}
	return tw.Flush()
}
