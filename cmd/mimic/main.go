// Package main is the entrypoint for the mimic background agent.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/sagibrant/mimic/internal/config"
	"github.com/sagibrant/mimic/internal/server"
	"github.com/sagibrant/mimic/pkg/peerstore"
)

const usage = `Usage: mimic [command]
       mimic serve                                  Start the agent (NATS, websocket peers, HTTP).
       mimic migrate up                             Create the known_peers schema.
       mimic migrate status                         Show migration status.
       mimic ensure-db [name]                       Create the database if missing (default: DATABASE_URL's).
       mimic clear                                  Forget every known peer; schema preserved.
       mimic send [flags] <type> <action> [params]  Send one request to a running agent.
       mimic content --tab N [--frame N]            Host one frame and link it to the agent.
       mimic watch --name NAME [--url URL]          Print the events sent to an external peer.

Commands:
  serve           (default) Start the background agent.
  migrate up      Run database migrations only.
  migrate status  Show current migration status.
  ensure-db       Create the database on the DATABASE_URL server; with [name],
                  create that database instead (e.g. mimic_test for tests).
  clear           Delete all rows from known_peers.
  send            Send a request over NATS and print the reply. <type> is
                  config, query or command; [params] is a JSON object.
                  Flags: --tab N, --frame N, --peer NAME, --timeout 5s.
  content         Run the content-script and MAIN-world contexts of one frame and
                  link them to the agent with a NATS content hello.
                  Flags: --tab N, --frame N (default 0), --version V.
  watch           Connect to the agent's websocket endpoint as peer NAME and print
                  every record and notify event as a JSON line.
                  Flags: --name NAME, --url ws://127.0.0.1:8080/ws.

Environment: NATS_URL, AGENT_SUBJECT, CONTENT_HELLO_SUBJECT, DATABASE_URL (migrate only), MIGRATION_PATH,
HTTP_ADDR, WS_PATH, CDP_URL, TOPOLOGY_FILE. See README.
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
			log.Fatalf("mimic migrate: require subcommand (up, status)")
		}
		sub := args[1]
		switch sub {
		case "up":
			if err := runMigrateUp(); err != nil {
				log.Fatalf("mimic migrate up: %v", err)
			}
		case "status":
			if err := runMigrateStatus(); err != nil {
				log.Fatalf("mimic migrate status: %v", err)
			}
		default:
			log.Fatalf("mimic migrate: unknown subcommand %q (use up, status)", sub)
		}
		return
	case "ensure-db":
		name := ""
		if len(args) > 1 {
			name = args[1]
		}
		if err := runEnsureDB(name); err != nil {
			log.Fatalf("mimic ensure-db: %v", err)
		}
		return
	case "clear":
		if err := runClear(); err != nil {
			log.Fatalf("mimic clear: %v", err)
		}
		return
	case "send":
		if err := runSend(args[1:], os.Stdout); err != nil {
			log.Fatalf("mimic send: %v", err)
		}
		return
	case "content":
		if err := runContent(args[1:]); err != nil {
			log.Fatalf("mimic content: %v", err)
		}
		return
	case "watch":
		if err := runWatch(args[1:], os.Stdout); err != nil {
			log.Fatalf("mimic watch: %v", err)
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
		log.Fatalf("mimic: %v", err)
	}
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
	pool, err := peerstore.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	migrations, err := peerstore.LoadMigrations(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := peerstore.RunMigrations(ctx, pool, migrations); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func runMigrateStatus() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := peerstore.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	status, err := peerstore.MigrationStatus(ctx, pool, cfg.MigrationPath)
	if err != nil {
		return err
	}
	fmt.Println(status)
	return nil
}

func runEnsureDB(name string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	target := cfg.DatabaseURL
	if name != "" {
		if target, err = peerstore.WithDatabase(cfg.DatabaseURL, name); err != nil {
			return err
		}
	}
	if err := peerstore.EnsureDatabase(context.Background(), target); err != nil {
		return err
	}
	dbName, _ := peerstore.DatabaseName(target)
	fmt.Printf("Database %q is ready.\n", dbName)
	return nil
}

func runClear() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := peerstore.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	n, err := peerstore.ClearPeers(ctx, pool)
	if err != nil {
		return err
	}
	fmt.Printf("Forgot %d peers.\n", n)
	return nil
}
