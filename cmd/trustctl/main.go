package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/odyssey-erp/trustcore/cmd/trustctl/cli"
	"github.com/odyssey-erp/trustcore/internal/app"
	"github.com/odyssey-erp/trustcore/internal/audit"
	"github.com/odyssey-erp/trustcore/internal/platform/cache"
	"github.com/odyssey-erp/trustcore/internal/platform/db"
	"github.com/odyssey-erp/trustcore/internal/rbac"
)

const usage = `usage: trustctl [-json] <command> [flags]

commands:
  trigger <job>        enqueue audit:integrity_check, security:scan or audit:retention
  queue                show queue statistics
  integrity [-limit N] [-batch N]
                       verify audit signatures in-process
  bootstrap            create the admin permissions and the super-admin role
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("trustctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	jsonOut := global.Bool("json", false, "print JSON")
	global.Usage = func() { _, _ = fmt.Fprint(stderr, usage) }
	if err := global.Parse(args); err != nil {
		return 2
	}
	rest := global.Args()
	if len(rest) == 0 {
		global.Usage()
		return 2
	}
	out := cli.Output{JSON: *jsonOut, Stdout: stdout, Stderr: stderr}

	cfg, err := app.LoadConfig()
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "load config:", err)
		return 1
	}
	logger := app.NewLogger(cfg)

	switch rest[0] {
	case "trigger":
		if len(rest) != 2 {
			_, _ = fmt.Fprint(stderr, usage)
			return 2
		}
		jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
		if err != nil {
			_, _ = fmt.Fprintln(stderr, err)
			return 1
		}
		defer jobsCLI.Close()
		return jobsCLI.TriggerCommand(ctx, rest[1], out)
	case "queue":
		jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
		if err != nil {
			_, _ = fmt.Fprintln(stderr, err)
			return 1
		}
		defer jobsCLI.Close()
		return jobsCLI.QueueCommand(ctx, out)
	case "integrity", "bootstrap":
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", rest[0])
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}

	fs := flag.NewFlagSet(rest[0], flag.ContinueOnError)
	fs.SetOutput(stderr)
	limit := fs.Int("limit", 0, "maximum records to check, 0 for all")
	batch := fs.Int("batch", 0, "records per page")
	if err := fs.Parse(rest[1:]); err != nil {
		return 2
	}

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: 4, ApplicationName: "trustctl"})
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	defer pool.Close()

	deps := app.CoreDeps{
		RBACStore:  rbac.NewRepository(pool),
		AuditStore: audit.NewRepository(pool),
	}
	if rest[0] == "bootstrap" {
		// Bootstrap edits the graph; running servers learn about it through
		// the shared cache version.
		redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			_, _ = fmt.Fprintln(stderr, err)
			return 1
		}
		defer redisClient.Close()
		deps.PermissionCache = rbac.NewRedisCache(redisClient, cfg.RBACCacheTTL)
	}
	core, err := app.NewCore(ctx, cfg, logger, deps)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	if rest[0] == "bootstrap" {
		logger.Info("rbac bootstrap complete", slog.String("super_admin", cfg.RBACSuperAdminRole))
		return 0
	}

	integrityCLI, err := cli.NewIntegrityCLI(core.Integrity)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	return integrityCLI.CheckCommand(ctx, audit.CheckOptions{Limit: *limit, BatchSize: *batch}, out)
}
