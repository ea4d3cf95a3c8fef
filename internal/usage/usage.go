// Package usage implements the UsagePipeline (§4.2): ingests UsageRecords,
// prices them against a hot-reloadable service-cost table, and charges
// the Ledger asynchronously. Polling-worker-pool structure is adapted
// from the ai-subscription-platform job processor (poll ticker submits
// work to a bounded pool rather than blocking on a single loop).
package usage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/errs"
)

// Unit is a recognized billing unit (§6.3).
type Unit string

const (
	UnitPer1kTokens  Unit = "per 1k total tokens"
	UnitPerImage     Unit = "per image"
	UnitPer1kChars   Unit = "per 1000 characters"
	UnitPerRequest   Unit = "per request"
	UnitPerMinute    Unit = "per minute"
	UnitPerStory     Unit = "per story"
	UnitPerTurn      Unit = "per turn"
	UnitPerCharacter Unit = "per character"
	UnitPerPrompt    Unit = "per prompt"
)

// ServiceCost is one row of the hot-reloadable cost table.
type ServiceCost struct {
	CreditsPerUnit int64
	Unit           Unit
	Notes          string
}

// CostTable is a concurrency-safe, hot-swappable lookup of ServiceCost
// by serviceKey.
type CostTable struct {
	mu    sync.RWMutex
	costs map[string]ServiceCost
}

func NewCostTable(seed map[string]ServiceCost) *CostTable {
	t := &CostTable{costs: map[string]ServiceCost{}}
	for k, v := range seed {
		t.costs[k] = v
	}
	return t
}

func (t *CostTable) Get(serviceKey string) (ServiceCost, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.costs[serviceKey]
	return c, ok
}

// Reload hot-swaps the entire table, e.g. from a config reload tick.
func (t *CostTable) Reload(costs map[string]ServiceCost) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.costs = make(map[string]ServiceCost, len(costs))
	for k, v := range costs {
		t.costs[k] = v
	}
}

// EstimateCost prices units of serviceKey the same way priceOne does,
// for callers that need a cost figure before usage actually occurs
// (PolicyGate's pre-flight Authorize, §4.9). ok is false for an unknown
// serviceKey, same convention as Get.
func (t *CostTable) EstimateCost(serviceKey string, units float64) (domain.Money, bool) {
	cost, ok := t.Get(serviceKey)
	if !ok {
		return 0, false
	}
	if cost.CreditsPerUnit == 0 || units == 0 {
		return 0, true
	}
	return domain.Money(math.Ceil(units * float64(cost.CreditsPerUnit))), true
}

// unitsFor computes the billable unit count for a ServiceCost given the
// raw record fields, per the unit's definition in §6.3.
func unitsFor(cost ServiceCost, rec domain.UsageRecord) float64 {
	switch cost.Unit {
	case UnitPer1kTokens:
		return float64(rec.InputTokens+rec.OutputTokens) / 1000.0
	case UnitPer1kChars:
		return float64(rec.Chars) / 1000.0
	case UnitPerImage, UnitPerRequest, UnitPerStory, UnitPerTurn, UnitPerCharacter, UnitPerPrompt:
		if rec.Units > 0 {
			return rec.Units
		}
		return 1
	case UnitPerMinute:
		return rec.Units
	default:
		return rec.Units
	}
}

// Ledger is the narrow collaborator UsagePipeline needs from the credit
// ledger, kept as an interface so tests can substitute a fake.
type Ledger interface {
	Consume(ctx context.Context, userID domain.ID, amount domain.Money, notes string, relatedUsageID *domain.ID) (domain.ID, error)
}

// Store is the narrow persistence slice UsagePipeline needs: a durable
// queue of UsageRecords plus marking them priced.
type Store interface {
	InsertUsageRecord(ctx context.Context, rec domain.UsageRecord) error
	NextUnpriced(ctx context.Context, userID domain.ID, limit int) ([]domain.UsageRecord, error)
	MarkPriced(ctx context.Context, recordID domain.ID, creditsCharged domain.Money, unknownService, failedInsufficient bool) error
}

// Pipeline is the UsagePipeline component.
type Pipeline struct {
	ledger Ledger
	recs   Store
	costs *CostTable
	log   zerolog.Logger

	maxParallel int
	userLocks   sync.Map // userID -> *sync.Mutex, enforces strict FIFO per user

	notify   chan domain.ID
	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewPipeline(ledger Ledger, recs Store, costs *CostTable, log zerolog.Logger, maxParallel int) *Pipeline {
	if maxParallel <= 0 {
		maxParallel = 8
	}
	return &Pipeline{
		ledger:      ledger,
		recs:        recs,
		costs:       costs,
		log:         log.With().Str("component", "usage_pipeline").Logger(),
		maxParallel: maxParallel,
		notify:      make(chan domain.ID, 1024),
		stop:        make(chan struct{}),
	}
}

// Record enqueues a UsageRecord for async pricing (§4.2) and wakes Run's
// worker loop for this user. The notify send is best-effort: a full
// buffer just means the user's backlog is picked up on Run's next pass
// over an already-queued notification for them, not dropped work.
func (p *Pipeline) Record(ctx context.Context, rec domain.UsageRecord) (domain.ID, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := p.recs.InsertUsageRecord(ctx, rec); err != nil {
		return "", errs.Wrap(errs.KindTransient, "usage_insert_failed", "could not record usage", err)
	}
	select {
	case p.notify <- rec.UserID:
	default:
	}
	return rec.ID, nil
}

// RecordSettled inserts an already-priced audit record for usage whose
// cost was already charged directly against a PolicyGate reservation
// (Settle/Release, §4.9) rather than through this pipeline's own
// NextUnpriced/Consume path — it bypasses processUserBacklog entirely
// so the same usage is never charged twice.
func (p *Pipeline) RecordSettled(ctx context.Context, rec domain.UsageRecord, creditsCharged domain.Money) (domain.ID, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.CreditsCharged = &creditsCharged
	if err := p.recs.InsertUsageRecord(ctx, rec); err != nil {
		return "", errs.Wrap(errs.KindTransient, "usage_insert_failed", "could not record settled usage", err)
	}
	return rec.ID, nil
}

// Start launches Run in the background against the Pipeline's own
// notify channel, fed by every call to Record.
func (p *Pipeline) Start() {
	go p.Run(context.Background())
}

// Run starts the background worker loop, bounded by maxParallel
// cross-user goroutines; call Stop to terminate. Each notification sent
// by Record drains that user's unpriced backlog in batches under a
// per-user lock, so processing is strict FIFO within a user and
// bounded-parallel across users.
func (p *Pipeline) Run(ctx context.Context) {
	sem := make(chan struct{}, p.maxParallel)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case userID, ok := <-p.notify:
			if !ok {
				return
			}
			sem <- struct{}{}
			p.wg.Add(1)
			go func(u domain.ID) {
				defer p.wg.Done()
				defer func() { <-sem }()
				p.processUserBacklog(ctx, u)
			}(userID)
		}
	}
}

func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}

// processUserBacklog prices every unpriced record for one user, in
// order, serialized by a per-user lock so a single user's records are
// never priced out of order or concurrently.
func (p *Pipeline) processUserBacklog(ctx context.Context, userID domain.ID) {
	lockIface, _ := p.userLocks.LoadOrStore(userID, &sync.Mutex{})
	lock := lockIface.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	const batchSize = 50
	for {
		recs, err := p.recs.NextUnpriced(ctx, userID, batchSize)
		if err != nil {
			p.log.Error().Err(err).Str("user_id", string(userID)).Msg("could not load unpriced usage records")
			return
		}
		if len(recs) == 0 {
			return
		}
		for _, rec := range recs {
			p.priceOne(ctx, rec)
		}
		if len(recs) < batchSize {
			return
		}
	}
}

func (p *Pipeline) priceOne(ctx context.Context, rec domain.UsageRecord) {
	cost, ok := p.costs.Get(rec.ServiceKey)
	if !ok {
		p.log.Warn().Str("service_key", rec.ServiceKey).Str("usage_id", rec.ID).Msg("unknown service key, charging zero")
		if err := p.recs.MarkPriced(ctx, rec.ID, 0, true, false); err != nil {
			p.log.Error().Err(err).Str("usage_id", rec.ID).Msg("could not mark unknown-service record priced")
		}
		return
	}

	units := unitsFor(cost, rec)
	if cost.CreditsPerUnit == 0 || units == 0 {
		if err := p.recs.MarkPriced(ctx, rec.ID, 0, false, false); err != nil {
			p.log.Error().Err(err).Str("usage_id", rec.ID).Msg("could not mark zero-cost record priced")
		}
		return
	}

	credits := domain.Money(math.Ceil(units * float64(cost.CreditsPerUnit)))
	recID := rec.ID
	_, err := p.ledger.Consume(ctx, rec.UserID, credits, "usage:"+rec.ServiceKey, &recID)
	if err != nil {
		if errs.KindOf(err) == errs.KindPolicy {
			// Service already delivered; never retry an insufficient-credit charge.
			if merr := p.recs.MarkPriced(ctx, rec.ID, 0, false, true); merr != nil {
				p.log.Error().Err(merr).Str("usage_id", rec.ID).Msg("could not mark insufficient-credit record priced")
			}
			return
		}
		p.log.Error().Err(err).Str("usage_id", rec.ID).Msg("ledger consume failed, will retry on next poll")
		return
	}
	if err := p.recs.MarkPriced(ctx, rec.ID, credits, false, false); err != nil {
		p.log.Error().Err(err).Str("usage_id", rec.ID).Msg("could not mark record priced after successful charge")
	}
}
