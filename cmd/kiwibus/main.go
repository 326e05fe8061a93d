// Package main is the entrypoint for kiwibus.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/morezero/kiwibus/internal/config"
	"github.com/morezero/kiwibus/internal/server"
	"github.com/morezero/kiwibus/pkg/appcontext"
	"github.com/morezero/kiwibus/pkg/bus"
	"github.com/morezero/kiwibus/pkg/db"
	"github.com/morezero/kiwibus/pkg/dispatcher"
	"github.com/morezero/kiwibus/pkg/registry"
)

const usage = `Usage: kiwibus [command]
       kiwibus serve                                 Start the daemon (bus handle, HTTP gateway, metrics).
       kiwibus send <address> <action> [params]      Send a request and print the reply.
       kiwibus publish <address> <action> [params]   Broadcast a message; no reply.
       kiwibus listen <address>                      Print every message delivered to address until interrupted.
       kiwibus migrate up                            Run database migrations.
       kiwibus migrate status                        Show migration status.
       kiwibus ensure-db [name]                      Create the trace database if missing (default: the one in DATABASE_URL).
       kiwibus traces prune <age>                    Delete trace entries older than age (e.g. 72h).
       kiwibus traces clear                          Delete every trace entry; schema is preserved.

Commands:
  serve           (default) Start the kiwibus daemon.
  send            params is a JSON object, e.g. '{"limit":10}'.
  publish         params is a JSON object.
  listen          Registers a handler and prints message bodies as JSON lines.
  migrate up      Run database migrations only.
  migrate status  Show current migration status.
  ensure-db       Create database on same host as DATABASE_URL.
  traces          Maintain the debug trace store.

Environment: KIWIBUS_URL, KIWIBUS_TRANSPORT (nats|ws), ACCESS_TOKEN, TOKEN_REFRESH_URL,
KIWIBUS_APP_CONTEXT, KIWIBUS_DEBUG, DATABASE_URL, MIGRATION_PATH, HTTP_PORT, LOG_LEVEL. See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "send", "publish":
		if len(args) < 3 {
			log.Fatalf("kiwibus %s: require <address> <action> [params]", cmd)
		}
		msg, err := buildMessage(args[2], optionalArg(args, 3))
		if err != nil {
			log.Fatalf("kiwibus %s: %v", cmd, err)
		}
		if cmd == "send" {
			err = runSend(args[1], msg, os.Stdout)
		} else {
			err = runPublish(args[1], msg)
		}
		if err != nil {
			log.Fatalf("kiwibus %s: %v", cmd, err)
		}
		return
	case "listen":
		if len(args) < 2 {
			log.Fatalf("kiwibus listen: require <address>")
		}
		if err := runListen(args[1], os.Stdout); err != nil {
			log.Fatalf("kiwibus listen: %v", err)
		}
		return
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("kiwibus migrate: require subcommand (up, status)")
		}
		sub := args[1]
		switch sub {
		case "up":
			if err := runMigrateUp(); err != nil {
				log.Fatalf("kiwibus migrate up: %v", err)
			}
		case "status":
			if err := runMigrateStatus(); err != nil {
				log.Fatalf("kiwibus migrate status: %v", err)
			}
		default:
			log.Fatalf("kiwibus migrate: unknown subcommand %q (use up, status)", sub)
		}
		return
	case "ensure-db":
		if err := runEnsureDB(optionalArg(args, 1)); err != nil {
			log.Fatalf("kiwibus ensure-db: %v", err)
		}
		return
	case "traces":
		if len(args) < 2 {
			log.Fatalf("kiwibus traces: require subcommand (prune, clear)")
		}
		switch args[1] {
		case "prune":
			age, err := parseAge(optionalArg(args, 2))
			if err != nil {
				log.Fatalf("kiwibus traces prune: %v", err)
			}
			if err := runTracesPrune(age); err != nil {
				log.Fatalf("kiwibus traces prune: %v", err)
			}
		case "clear":
			if err := runTracesClear(); err != nil {
				log.Fatalf("kiwibus traces clear: %v", err)
			}
		default:
			log.Fatalf("kiwibus traces: unknown subcommand %q (use prune, clear)", args[1])
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
		log.Fatalf("kiwibus: %v", err)
	}
}

func optionalArg(args []string, i int) string {
	if len(args) > i {
		return args[i]
	}
	return ""
}

// buildMessage assembles a bus message from the CLI action and optional JSON params.
func buildMessage(action, rawParams string) (*bus.Message, error) {
	if action == "" {
		return nil, fmt.Errorf("action is required")
	}
	msg := &bus.Message{Action: action}
	if rawParams == "" {
		return msg, nil
	}
	if err := json.Unmarshal([]byte(rawParams), &msg.Params); err != nil {
		return nil, fmt.Errorf("params must be a JSON object: %w", err)
	}
	return msg, nil
}

// parseAge parses the prune age; it must be a positive duration.
func parseAge(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, fmt.Errorf("require <age>, e.g. 72h")
	}
	age, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid age %q: %w", raw, err)
	}
	if age <= 0 {
		return 0, fmt.Errorf("age must be positive")
	}
	return age, nil
}

// client is a short-lived dispatcher plus handle for the one-shot commands.
type client struct {
	disp   *dispatcher.Dispatcher
	handle bus.Handle
}

func newClient(ctx context.Context) (*client, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	server.SetupLogging(cfg.LogLevel)
	if err := cfg.ValidateForBus(); err != nil {
		return nil, err
	}
	tokens := server.NewTokenProvider(cfg, appcontext.Load(cfg.AppContextFile))
	reg := registry.New()
	handle, err := server.OpenHandle(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open bus: %w", err)
	}
	reg.Add(handle)
	disp := dispatcher.New(dispatcher.Params{
		Tokens:   tokens,
		Registry: reg,
		Reauth:   server.ReloadingReauth(cfg, tokens),
	})
	return &client{disp: disp, handle: handle}, nil
}

func (c *client) close() {
	c.handle.Close()
}

func runSend(address string, msg *bus.Message, out io.Writer) error {
	ctx := context.Background()
	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	opts := c.handle.Options()
	reqCtx, cancel := context.WithTimeout(ctx, opts.RequestTimeout+opts.ReplyTimeout)
	defer cancel()
	reply, err := c.disp.Request(reqCtx, c.handle, address, msg)
	if err != nil {
		return err
	}
	if err := writeReply(out, reply); err != nil {
		return err
	}
	if !reply.OK() {
		return fmt.Errorf("reply code %d: %s", reply.Code, reply.Message)
	}
	return nil
}

func writeReply(out io.Writer, reply *bus.Reply) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(reply)
}

func runPublish(address string, msg *bus.Message) error {
	ctx := context.Background()
	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	opts := c.handle.Options()
	published := make(chan struct{})
	cancel := c.handle.OnOpen(func() { close(published) })
	defer cancel()
	if err := c.disp.Publish(c.handle, address, msg); err != nil {
		return err
	}
	select {
	case <-published:
		return nil
	case <-time.After(opts.RequestTimeout):
		return fmt.Errorf("bus %s did not open within %s", c.handle.ID(), opts.RequestTimeout)
	}
}

func runListen(address string, out io.Writer) error {
	ctx := context.Background()
	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	lines := json.NewEncoder(out)
	handler := dispatcher.NewHandler(func(addr string, body json.RawMessage) {
		lines.Encode(map[string]interface{}{"address": addr, "body": body})
	})
	if err := c.disp.RegisterHandler(c.handle, address, handler); err != nil {
		return err
	}
	defer c.disp.UnregisterHandler(c.handle, address, handler)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	return nil
}

func loadDBConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runMigrateUp() error {
	cfg, err := loadDBConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	migrations, err := db.LoadTraceMigrations(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := db.RunMigrations(ctx, pool, migrations); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func runMigrateStatus() error {
	cfg, err := loadDBConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	applied, files, err := db.MigrationStatus(ctx, pool, cfg.MigrationPath)
	if err != nil {
		return err
	}
	fmt.Println(db.DescribeMigrationStatus(applied, files, cfg.MigrationPath))
	return nil
}

func runEnsureDB(dbName string) error {
	cfg, err := loadDBConfig()
	if err != nil {
		return err
	}
	target, err := db.EnsureDatabase(context.Background(), cfg.DatabaseURL, dbName)
	if err != nil {
		return err
	}
	fmt.Printf("Trace database %q is ready.\n", target.Name)
	return nil
}

func runTracesPrune(age time.Duration) error {
	cfg, err := loadDBConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	n, err := db.NewTraceRepository(pool).PruneTraces(ctx, time.Now().Add(-age))
	if err != nil {
		return err
	}
	fmt.Printf("Pruned %d trace entries older than %s.\n", n, age)
	return nil
}

func runTracesClear() error {
	cfg, err := loadDBConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	return db.NewTraceRepository(pool).ClearTraces(ctx)
}
