// Command charhubctl is the CharHub admin CLI: credits administration
// and job inspection against the same store the server binaries use.
// Replaces ocx-cli — the subcommand-dispatch/os.Args shape and the
// version/help commands follow its idiom, but charhubctl talks directly
// to the store and Ledger in-process rather than over HTTP to a
// gateway, since these are operator maintenance commands, not traffic a
// running service should proxy.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ocx/backend/internal/clockwork"
	"github.com/ocx/backend/internal/config"
	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/jobengine"
	"github.com/ocx/backend/internal/ledger"
	"github.com/ocx/backend/internal/store"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg := config.Get()

	switch os.Args[1] {
	case "credits":
		cmdCredits(cfg, os.Args[2:])
	case "jobs":
		cmdJobs(cfg, os.Args[2:])
	case "version":
		fmt.Printf("charhubctl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`CharHub Admin CLI v` + version + `

Usage: charhubctl <command> [args]

Commands:
  credits balance <userId>                      Show a user's current credit balance
  credits grant <userId> <amount> [notes]       Grant credits to a user (admin adjustment)
  jobs get <jobId>                              Show a job's current state
  jobs cancel <jobId>                           Cancel a pending/running job
  version                                       Print the CLI version
  help                                          Show this message

Environment:
  CHARHUB_POSTGRES_DSN   Postgres DSN (falls back to an in-memory store if unset)
  CHARHUB_REDIS_ADDR     Redis address for the Ledger's reservation state
`)
}

func cmdCredits(cfg *config.Config, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: charhubctl credits <balance|grant> <userId> [amount] [notes]")
		os.Exit(1)
	}
	_, led, closeAll := openBackends(cfg)
	defer closeAll()

	ctx := context.Background()
	userID := domain.ID(args[1])

	switch args[0] {
	case "balance":
		bal, err := led.Balance(ctx, userID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s: %d credits\n", userID, bal)

	case "grant":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: charhubctl credits grant <userId> <amount> [notes]")
			os.Exit(1)
		}
		amount := mustAtoi(args[2])
		notes := "admin grant via charhubctl"
		if len(args) > 3 {
			notes = args[3]
		}
		txnID, err := led.Grant(ctx, userID, domain.TxAdjustmentAdd, amount, notes, nil, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("granted %d credits to %s (txn %s)\n", amount, userID, txnID)

	default:
		fmt.Fprintf(os.Stderr, "unknown credits subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

func cmdJobs(cfg *config.Config, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: charhubctl jobs <get|cancel> <jobId>")
		os.Exit(1)
	}
	rel, _, closeAll := openBackends(cfg)
	defer closeAll()

	ctx := context.Background()
	jobID := domain.ID(args[1])

	switch args[0] {
	case "get":
		job, err := rel.GetJob(ctx, jobID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if job == nil {
			fmt.Fprintf(os.Stderr, "job %s not found\n", jobID)
			os.Exit(1)
		}
		fmt.Printf("id=%s type=%s state=%s attempts=%d/%d priority=%d owner=%s session=%s\n",
			job.ID, job.Type, job.State, job.Attempts, job.MaxAttempts, job.Priority, job.OwnerUserID, job.SessionID)
		fmt.Printf("progress: stage=%d/%d message=%q\n", job.Progress.Stage, job.Progress.Total, job.Progress.Message)
		if job.Error != nil {
			fmt.Printf("error: code=%s message=%q retryable=%v\n", job.Error.Code, job.Error.Message, job.Error.Retryable)
		}

	case "cancel":
		engine := jobengine.NewEngine(rel, rel.WithTx, discardLogger())
		if err := engine.Cancel(ctx, jobID); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("cancelled job %s\n", jobID)

	default:
		fmt.Fprintf(os.Stderr, "unknown jobs subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

func openBackends(cfg *config.Config) (store.RelationalStore, *ledger.Ledger, func()) {
	var rel store.RelationalStore
	var closeRel func()
	if cfg.CharHub.PostgresDSN == "" {
		fmt.Fprintln(os.Stderr, "warning: CHARHUB_POSTGRES_DSN unset, using an in-memory store (development only)")
		rel = store.NewMemoryStore()
		closeRel = func() {}
	} else {
		pg, err := store.NewPostgresStore(cfg.CharHub.PostgresDSN)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: failed to open postgres store: %v\n", err)
			os.Exit(1)
		}
		rel, closeRel = pg, func() { _ = pg }
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.CharHub.RedisAddr,
		Password: cfg.CharHub.RedisPassword,
		DB:       cfg.CharHub.RedisDB,
	})

	led := ledger.NewLedger(redisClient, rel, clockwork.RealClock{}, discardLogger(), cfg.CharHub.LedgerWorkerCount)
	return rel, led, func() {
		led.Close()
		_ = redisClient.Close()
		closeRel()
	}
}

// discardLogger silences the components charhubctl reuses in-process;
// this CLI reports outcomes to stdout/stderr, not a log stream.
func discardLogger() zerolog.Logger {
	return zerolog.Nop()
}

func mustAtoi(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %q is not a valid integer amount\n", s)
		os.Exit(1)
	}
	return n
}
