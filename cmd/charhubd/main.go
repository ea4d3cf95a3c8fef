// Command charhubd is the CharHub server binary: it wires the Ledger,
// UsagePipeline, JobEngine, LLMBroker, AIOrchestrator, SessionHub,
// MembershipCore, and PolicyGate components behind one HTTP+WebSocket
// listener. Replaces the teacher's cmd/api — the config loading,
// signal-driven graceful shutdown, and timeout wiring follow cmd/api's
// shape, but the component graph underneath is entirely CharHub's.
//
// The image-multi-stage job type (§6.4) is deliberately not registered
// here: ImageBackend/ObjectStore/ReferenceRows are the out-of-scope
// abstract collaborators named in spec.md §1, and no concrete provider
// for them exists in this module — a deployment wires its own and
// registers imagejob.Handler.Handle against this same jobs.Engine.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ocx/backend/internal/clockwork"
	"github.com/ocx/backend/internal/config"
	"github.com/ocx/backend/internal/httpapi"
	"github.com/ocx/backend/internal/jobengine"
	"github.com/ocx/backend/internal/ledger"
	"github.com/ocx/backend/internal/llmbroker"
	"github.com/ocx/backend/internal/logging"
	"github.com/ocx/backend/internal/membership"
	"github.com/ocx/backend/internal/metrics"
	"github.com/ocx/backend/internal/orchestrator"
	"github.com/ocx/backend/internal/planscheduler"
	"github.com/ocx/backend/internal/policygate"
	"github.com/ocx/backend/internal/progressrouter"
	"github.com/ocx/backend/internal/sessionhub"
	"github.com/ocx/backend/internal/store"
	"github.com/ocx/backend/internal/usage"
)

const aiTurnJobType = "ai_turn"

func main() {
	cfg := config.Get()
	log := logging.New("charhubd", cfg.Server.Env)

	rel, closeStore := mustOpenRelationalStore(cfg, log)
	defer closeStore()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.CharHub.RedisAddr,
		Password: cfg.CharHub.RedisPassword,
		DB:       cfg.CharHub.RedisDB,
	})
	defer redisClient.Close()

	// Registered against the default registerer and scraped at /metrics
	// below; per-call-site Observe/Inc wiring into Ledger/JobEngine/etc.
	// is a follow-on, not yet threaded through their constructors.
	metrics.New(prometheus.DefaultRegisterer)

	clock := clockwork.RealClock{}

	led := ledger.NewLedger(redisClient, rel, clock, log, cfg.CharHub.LedgerWorkerCount)
	defer led.Close()

	costTable := usage.NewCostTable(defaultServiceCosts())
	usagePipeline := usage.NewPipeline(led, rel, costTable, log, cfg.CharHub.UsageMaxParallel)
	usagePipeline.Start()

	broker := llmbroker.NewBroker(log)
	orch := orchestrator.New()
	gate := policygate.NewGate(led, nil, nil, log)

	if cfg.CharHub.SessionTokenSecret == "" {
		log.Warn().Msg("CHARHUB_SESSION_TOKEN_SECRET unset, using an insecure development default")
		cfg.CharHub.SessionTokenSecret = "dev-only-insecure-session-secret"
	}
	if cfg.CharHub.InviteTokenSecret == "" {
		log.Warn().Msg("CHARHUB_INVITE_TOKEN_SECRET unset, using an insecure development default")
		cfg.CharHub.InviteTokenSecret = "dev-only-insecure-invite-secret"
	}
	verifier := sessionhub.NewHMACVerifier([]byte(cfg.CharHub.SessionTokenSecret))
	members := membership.NewService(rel, rel, clock, []byte(cfg.CharHub.InviteTokenSecret), log)

	jobs := jobengine.NewEngine(rel, rel.WithTx, log)
	convoSvc := httpapi.NewConversationService(rel, orch, gate, jobs, costTable, log)
	hub := sessionhub.NewHub(verifier, members, convoSvc, log,
		sessionhub.WithAllowedOrigins(cfg.CharHub.WSAllowedOrigins))

	// ProgressRouter needs the Hub it forwards into; the Hub needs a
	// ConversationService that enqueues through this same Engine. Wiring
	// the sink after construction breaks that cycle.
	jobs.SetProgressSink(progressrouter.New(hub, log).Route)

	turnHandler := httpapi.NewTurnHandler(rel, broker, usagePipeline, costTable, gate, hub, log)
	jobs.RegisterHandler(aiTurnJobType, turnHandler.Handle)

	grantHandler := planscheduler.NewGrantHandler(rel, rel, led, log)
	jobs.RegisterHandler(planscheduler.GrantPlanJobType, grantHandler.Handle)
	planSched := planscheduler.New(rel, jobs, clock, log)

	server := httpapi.NewServer(httpapi.Deps{
		Convos:         rel,
		ConvoSvc:       convoSvc,
		Members:        members,
		Ledger:         led,
		Costs:          costTable,
		Jobs:           jobs,
		Hub:            hub,
		Verifier:       verifier,
		AllowedOrigins: cfg.CharHub.WSAllowedOrigins,
		Log:            log,
	})

	mux := server.Router()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	runCtx, stopWorkers := context.WithCancel(context.Background())
	jobs.Start(runCtx, "charhubd", time.Duration(cfg.CharHub.JobPollIntervalMS)*time.Millisecond)
	go planSched.Run(runCtx, time.Duration(cfg.CharHub.PlanGrantPollSec)*time.Second)

	httpServer := &http.Server{
		Addr:         ":" + cfg.GetPort(),
		Handler:      mux,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("received shutdown signal, shutting down gracefully")

		stopWorkers()
		usagePipeline.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	}()

	log.Info().Str("port", cfg.GetPort()).Msg("charhubd starting")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server failed to start")
	}
	log.Info().Msg("charhubd stopped")
}

// mustOpenRelationalStore opens PostgresStore against CHARHUB_POSTGRES_DSN,
// falling back to a development-only MemoryStore when unset so the
// binary still runs end-to-end without a database for local iteration.
func mustOpenRelationalStore(cfg *config.Config, log zerolog.Logger) (store.RelationalStore, func()) {
	if cfg.CharHub.PostgresDSN == "" {
		log.Warn().Msg("CHARHUB_POSTGRES_DSN unset, using an in-memory store (development only, not durable)")
		mem := store.NewMemoryStore()
		return mem, func() {}
	}
	pg, err := store.NewPostgresStore(cfg.CharHub.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open postgres store")
	}
	return pg, func() { _ = pg }
}

// defaultServiceCosts seeds CostTable with the billed services this
// binary actually exercises (§6.3); CostTable.Reload can hot-swap these
// later from a config tick without restarting the process.
func defaultServiceCosts() map[string]usage.ServiceCost {
	return map[string]usage.ServiceCost{
		"llm_completion": {CreditsPerUnit: 10, Unit: usage.UnitPer1kTokens, Notes: "per 1k input+output tokens"},
		"image_dataset":  {CreditsPerUnit: 5, Unit: usage.UnitPerImage, Notes: "per generated dataset image"},
	}
}
