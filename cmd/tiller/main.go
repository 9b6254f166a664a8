// Command tiller compiles mission specs into execution plans and runs them
// through the policy-gated dispatcher.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/tillerworks/tiller/pkg/config"
	"github.com/tillerworks/tiller/pkg/observability"
	"github.com/tillerworks/tiller/pkg/store"

	_ "github.com/lib/pq" // Postgres driver
)

// Exit codes.
const (
	exitOK          = 0
	exitFailure     = 1
	exitUsage       = 2
	exitInvalidSpec = 3
	exitGateDenied  = 4
	exitBlocked     = 5
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return exitUsage
	}

	cfg := config.Load()
	observability.SetupLogging(cfg.LogLevel)

	switch args[1] {
	case "validate":
		return runValidateCmd(args[2:], stdout, stderr)
	case "compile":
		return runCompileCmd(args[2:], stdout, stderr)
	case "dry-run", "dryrun":
		return runDryRunCmd(args[2:], stdout, stderr)
	case "run":
		return runRunCmd(args[2:], cfg, stdout, stderr)
	case "resume":
		return runResumeCmd(args[2:], cfg, stdout, stderr)
	case "approve":
		return runApproveCmd(args[2:], cfg, stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return exitOK
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		usage(stderr)
		return exitUsage
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: tiller <command> [flags]

Commands:
  validate   check a mission spec without compiling
  compile    compile a mission spec into an execution plan
  dry-run    compile and preflight a plan without invoking workers
  run        compile and execute a mission
  resume     continue a checkpointed run
  approve    record an approval or denial on a mission's mandate

Environment:
  TILLER_STORE_DRIVER    memory | sqlite | postgres | redis (default sqlite)
  TILLER_STORE_PATH      sqlite database path (default tiller.db)
  TILLER_LOG_LEVEL       DEBUG | INFO | WARN | ERROR`)
}

// openStore builds the configured KV backend. The returned closer is always
// safe to call.
func openStore(ctx context.Context, cfg *config.Config) (store.KV, func(), error) {
	switch cfg.StoreDriver {
	case "memory":
		return store.NewMemory(), func() {}, nil
	case "sqlite":
		kv, err := store.OpenSQLite(cfg.StorePath)
		if err != nil {
			return nil, nil, err
		}
		return kv, func() { _ = kv.Close() }, nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		kv := store.NewPostgres(db)
		if err := kv.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return kv, func() { _ = db.Close() }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return store.NewRedis(client, 0), func() { _ = client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}
