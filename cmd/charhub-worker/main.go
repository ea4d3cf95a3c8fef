// Command charhub-worker is a standalone JobEngine worker pool (§4.3):
// claims and runs jobs against the same Postgres-backed store as
// charhubd, without serving HTTP or WebSocket traffic. Scale it
// independently of the request-handling tier by running more replicas.
//
// Like charhubd, the image-multi-stage job type (§6.4) is not
// registered here — ImageBackend/ObjectStore/ReferenceRows are the
// out-of-scope abstract collaborators named in spec.md §1; a deployment
// that has concrete implementations registers imagejob.Handler.Handle
// alongside ai_turn below.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ocx/backend/internal/clockwork"
	"github.com/ocx/backend/internal/config"
	"github.com/ocx/backend/internal/httpapi"
	"github.com/ocx/backend/internal/jobengine"
	"github.com/ocx/backend/internal/ledger"
	"github.com/ocx/backend/internal/llmbroker"
	"github.com/ocx/backend/internal/logging"
	"github.com/ocx/backend/internal/metrics"
	"github.com/ocx/backend/internal/planscheduler"
	"github.com/ocx/backend/internal/policygate"
	"github.com/ocx/backend/internal/store"
	"github.com/ocx/backend/internal/usage"
)

const aiTurnJobType = "ai_turn"

// remoteBroadcaster is the worker-process stand-in for SessionHub's
// RoomBroadcaster: this binary has no WS connections of its own, so AI
// turn events here only get recorded (logged), not delivered to a
// browser. A deployment splitting charhubd/charhub-worker needs a Bus
// (sessionhub.Bus, e.g. Redis pub/sub) so the worker's broadcasts reach
// whichever charhubd replica holds the socket — out of scope for this
// binary, which assumes ai_turn is handled in-process by charhubd
// instead when a Bus isn't configured.
type remoteBroadcaster struct {
	log zerolog.Logger
}

func (b remoteBroadcaster) BroadcastAIResponseStart(conversationID, participantID, messageID string) {
	b.log.Debug().Str("conversation_id", conversationID).Str("participant_id", participantID).Msg("ai_response_start")
}
func (b remoteBroadcaster) BroadcastAIResponseChunk(conversationID, participantID, messageID, delta string) {
	b.log.Debug().Str("conversation_id", conversationID).Str("participant_id", participantID).Msg("ai_response_chunk")
}
func (b remoteBroadcaster) BroadcastAIResponseComplete(conversationID, participantID, messageID string) {
	b.log.Debug().Str("conversation_id", conversationID).Str("participant_id", participantID).Msg("ai_response_complete")
}
func (b remoteBroadcaster) BroadcastAIResponseError(conversationID, participantID string, reason string) {
	b.log.Warn().Str("conversation_id", conversationID).Str("participant_id", participantID).Str("reason", reason).Msg("ai_response_error")
}

func main() {
	cfg := config.Get()
	log := logging.New("charhub-worker", cfg.Server.Env)

	rel, closeStore := mustOpenRelationalStore(cfg, log)
	defer closeStore()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.CharHub.RedisAddr,
		Password: cfg.CharHub.RedisPassword,
		DB:       cfg.CharHub.RedisDB,
	})
	defer redisClient.Close()

	metrics.New(prometheus.DefaultRegisterer)

	clock := clockwork.RealClock{}

	led := ledger.NewLedger(redisClient, rel, clock, log, cfg.CharHub.LedgerWorkerCount)
	defer led.Close()

	costTable := usage.NewCostTable(defaultServiceCosts())
	usagePipeline := usage.NewPipeline(led, rel, costTable, log, cfg.CharHub.UsageMaxParallel)
	usagePipeline.Start()

	broker := llmbroker.NewBroker(log)
	gate := policygate.NewGate(led, nil, nil, log)

	jobs := jobengine.NewEngine(rel, rel.WithTx, log,
		jobengine.WithWorkersPerType(cfg.CharHub.JobWorkerCount))

	turnHandler := httpapi.NewTurnHandler(rel, broker, usagePipeline, costTable, gate, remoteBroadcaster{log: log}, log)
	jobs.RegisterHandler(aiTurnJobType, turnHandler.Handle)

	grantHandler := planscheduler.NewGrantHandler(rel, rel, led, log)
	jobs.RegisterHandler(planscheduler.GrantPlanJobType, grantHandler.Handle)

	runCtx, stop := context.WithCancel(context.Background())
	jobs.Start(runCtx, "charhub-worker", time.Duration(cfg.CharHub.JobPollIntervalMS)*time.Millisecond)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	log.Info().Int("workers_per_type", cfg.CharHub.JobWorkerCount).Msg("charhub-worker started")
	<-sigChan

	log.Info().Msg("received shutdown signal, draining")
	stop()
	usagePipeline.Stop()
	log.Info().Msg("charhub-worker stopped")
}

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

// defaultServiceCosts mirrors charhubd's seed so a standalone worker
// settles ai_turn reservations at the same price the web tier reserved
// them at (§6.3).
func defaultServiceCosts() map[string]usage.ServiceCost {
	return map[string]usage.ServiceCost{
		"llm_completion": {CreditsPerUnit: 10, Unit: usage.UnitPer1kTokens, Notes: "per 1k input+output tokens"},
		"image_dataset":  {CreditsPerUnit: 5, Unit: usage.UnitPerImage, Notes: "per generated dataset image"},
	}
}
