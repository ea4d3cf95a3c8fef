package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ocx/backend/internal/domain"
)

// MemoryStore is a deterministic, dependency-free RelationalStore +
// KeyValueStore double for unit tests. It is not meant for production —
// WithTx takes a single process-wide lock rather than real isolation,
// which is fine for single-goroutine test scenarios and deliberately
// unsafe for anything else.
type MemoryStore struct {
	mu sync.Mutex

	users         map[domain.ID]domain.User
	conversations map[domain.ID]domain.Conversation
	memberships   map[string]domain.Membership // key: convID+"/"+userID
	participants  map[domain.ID][]domain.Participant
	messages      map[domain.ID][]domain.Message
	plans         map[domain.ID]domain.Plan
	userPlans     map[domain.ID]domain.UserPlan
	transactions  []domain.CreditTransaction
	snapshots     map[string]domain.MonthlySnapshot // key: userID+"/"+monthStart
	usageRecords  map[domain.ID]domain.UsageRecord
	jobs          map[domain.ID]*domain.Job
	jobSeq        int64

	kv map[string]kvEntry
}

type kvEntry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         map[domain.ID]domain.User{},
		conversations: map[domain.ID]domain.Conversation{},
		memberships:   map[string]domain.Membership{},
		participants:  map[domain.ID][]domain.Participant{},
		messages:      map[domain.ID][]domain.Message{},
		plans:         map[domain.ID]domain.Plan{},
		userPlans:     map[domain.ID]domain.UserPlan{},
		snapshots:     map[string]domain.MonthlySnapshot{},
		usageRecords:  map[domain.ID]domain.UsageRecord{},
		jobs:          map[domain.ID]*domain.Job{},
		kv:            map[string]kvEntry{},
	}
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx)
}

// --- seeding helpers for tests ---

func (m *MemoryStore) PutUser(u domain.User)                 { m.mu.Lock(); defer m.mu.Unlock(); m.users[u.ID] = u }
func (m *MemoryStore) PutConversation(c domain.Conversation)  { m.mu.Lock(); defer m.mu.Unlock(); m.conversations[c.ID] = c }
func (m *MemoryStore) PutPlan(p domain.Plan)                  { m.mu.Lock(); defer m.mu.Unlock(); m.plans[p.ID] = p }
func (m *MemoryStore) PutUserPlan(up domain.UserPlan)         { m.mu.Lock(); defer m.mu.Unlock(); m.userPlans[up.UserID] = up }
func (m *MemoryStore) PutParticipant(p domain.Participant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.participants[p.ConversationID] = append(m.participants[p.ConversationID], p)
}

func membershipKey(convID, userID domain.ID) string { return string(convID) + "/" + string(userID) }

// --- Users ---

func (m *MemoryStore) GetUser(ctx context.Context, id domain.ID) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

// --- Conversations ---

func (m *MemoryStore) GetConversation(ctx context.Context, id domain.ID) (*domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *MemoryStore) UpdateConversationLastMessageAt(ctx context.Context, id domain.ID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil
	}
	c.LastMessageAt = &at
	m.conversations[id] = c
	return nil
}

func (m *MemoryStore) TransferOwnership(ctx context.Context, convID, newOwner domain.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[convID]
	if !ok {
		return nil
	}
	c.OwnerUserID = newOwner
	m.conversations[convID] = c
	return nil
}

// --- Memberships ---

func (m *MemoryStore) GetMembership(ctx context.Context, convID, userID domain.ID) (*domain.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.memberships[membershipKey(convID, userID)]
	if !ok {
		return nil, nil
	}
	return &mem, nil
}

func (m *MemoryStore) ListActiveMemberships(ctx context.Context, convID domain.ID) ([]domain.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Membership
	for _, mem := range m.memberships {
		if mem.ConversationID == convID && mem.IsActive {
			out = append(out, mem)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpsertMembership(ctx context.Context, mem domain.Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memberships[membershipKey(mem.ConversationID, mem.UserID)] = mem
	return nil
}

func (m *MemoryStore) DeactivateMembership(ctx context.Context, convID, userID domain.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := membershipKey(convID, userID)
	mem, ok := m.memberships[k]
	if !ok {
		return nil
	}
	mem.IsActive = false
	m.memberships[k] = mem
	return nil
}

func (m *MemoryStore) CountActiveMemberships(ctx context.Context, convID domain.ID) (int, error) {
	active, err := m.ListActiveMemberships(ctx, convID)
	return len(active), err
}

// --- Participants ---

func (m *MemoryStore) ListParticipants(ctx context.Context, convID domain.ID) ([]domain.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Participant, len(m.participants[convID]))
	copy(out, m.participants[convID])
	return out, nil
}

// --- Messages ---

func (m *MemoryStore) AppendMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == "" {
		msg.ID = domain.ID(time.Now().UTC().Format("20060102150405.000000000"))
	}
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	return msg, nil
}

func (m *MemoryStore) RecentMessages(ctx context.Context, convID domain.ID, limit int) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.messages[convID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	start := len(all) - limit
	out := make([]domain.Message, limit)
	copy(out, all[start:])
	return out, nil
}

// --- Plans ---

func (m *MemoryStore) GetPlan(ctx context.Context, id domain.ID) (*domain.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *MemoryStore) GetActiveUserPlan(ctx context.Context, userID domain.ID) (*domain.UserPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.userPlans[userID]
	if !ok || up.Status != domain.UserPlanActive {
		return nil, nil
	}
	return &up, nil
}

func (m *MemoryStore) ListUserPlansDueForGrant(ctx context.Context, asOf time.Time) ([]domain.UserPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []domain.UserPlan
	for _, up := range m.userPlans {
		if up.Status == domain.UserPlanActive && !up.CurrentPeriodEnd.After(asOf) {
			due = append(due, up)
		}
	}
	return due, nil
}

func (m *MemoryStore) AdvanceUserPlanPeriod(ctx context.Context, userPlanID domain.ID, grantedAt, newPeriodStart, newPeriodEnd time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for userID, up := range m.userPlans {
		if up.ID == userPlanID {
			up.LastCreditsGrantedAt = &grantedAt
			up.CurrentPeriodStart = newPeriodStart
			up.CurrentPeriodEnd = newPeriodEnd
			m.userPlans[userID] = up
			return nil
		}
	}
	return nil
}

// --- Credit ledger rows ---

func (m *MemoryStore) InsertCreditTransaction(ctx context.Context, t domain.CreditTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = domain.ID(time.Now().UTC().Format("20060102150405.000000000"))
	}
	m.transactions = append(m.transactions, t)
	return nil
}

func (m *MemoryStore) SumTransactionsSince(ctx context.Context, userID domain.ID, since time.Time) (domain.Money, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum domain.Money
	for _, t := range m.transactions {
		if t.UserID == userID && !t.CreatedAt.Before(since) {
			sum += t.Amount
		}
	}
	return sum, nil
}

func (m *MemoryStore) SumTransactionsInRange(ctx context.Context, userID domain.ID, since, before time.Time) (domain.Money, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum domain.Money
	for _, t := range m.transactions {
		if t.UserID == userID && !t.CreatedAt.Before(since) && t.CreatedAt.Before(before) {
			sum += t.Amount
		}
	}
	return sum, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, userID domain.ID, limit int) ([]domain.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CreditTransaction
	for i := len(m.transactions) - 1; i >= 0; i-- {
		t := m.transactions[i]
		if t.UserID != userID {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) LatestSnapshot(ctx context.Context, userID domain.ID, asOf time.Time) (*domain.MonthlySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *domain.MonthlySnapshot
	for k, snap := range m.snapshots {
		_ = k
		if snap.UserID != userID || snap.MonthStart.After(asOf) {
			continue
		}
		if best == nil || snap.MonthStart.After(best.MonthStart) {
			s := snap
			best = &s
		}
	}
	return best, nil
}

func (m *MemoryStore) InsertSnapshotIfAbsent(ctx context.Context, snap domain.MonthlySnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := string(snap.UserID) + "/" + snap.MonthStart.UTC().Format(time.RFC3339)
	if _, ok := m.snapshots[k]; ok {
		return nil
	}
	m.snapshots[k] = snap
	return nil
}

func (m *MemoryStore) ExistsTransactionTagged(ctx context.Context, userID domain.ID, kind domain.TransactionKind, tag string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := "idem:" + tag
	for _, t := range m.transactions {
		if t.UserID == userID && t.Kind == kind && t.Notes == want {
			return true, nil
		}
	}
	return false, nil
}

// --- Usage records ---

func (m *MemoryStore) InsertUsageRecord(ctx context.Context, rec domain.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = domain.ID(time.Now().UTC().Format("20060102150405.000000000"))
	}
	m.usageRecords[rec.ID] = rec
	return nil
}

func (m *MemoryStore) NextUnpriced(ctx context.Context, userID domain.ID, limit int) ([]domain.UsageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.UsageRecord
	for _, r := range m.usageRecords {
		if r.UserID == userID && r.CreditsCharged == nil {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkPriced(ctx context.Context, recordID domain.ID, creditsCharged domain.Money, unknownService, failedInsufficientCredits bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.usageRecords[recordID]
	if !ok {
		return nil
	}
	charged := creditsCharged
	r.CreditsCharged = &charged
	r.UnknownService = unknownService
	r.FailedInsufficientCredits = failedInsufficientCredits
	m.usageRecords[recordID] = r
	return nil
}

// --- Jobs ---

func (m *MemoryStore) InsertJob(ctx context.Context, j domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	jj := j
	m.jobs[jj.ID] = &jj
	return nil
}

func (m *MemoryStore) GetJobByDedupKey(ctx context.Context, dedupKey string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dedupKey == "" {
		return nil, nil
	}
	for _, j := range m.jobs {
		if j.DedupKey == dedupKey {
			cp := *j
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id domain.ID) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) ClaimNextJob(ctx context.Context, types []string, leaseUntil time.Time) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	typeSet := map[string]bool{}
	for _, t := range types {
		typeSet[t] = true
	}

	now := time.Now()
	var best *domain.Job
	for _, j := range m.jobs {
		if !typeSet[j.Type] {
			continue
		}
		eligible := (j.State == domain.JobQueued && !j.NotBefore.After(now)) ||
			(j.State == domain.JobRunning && j.LeaseUntil.Before(now))
		if !eligible {
			continue
		}
		if best == nil ||
			j.Priority > best.Priority ||
			(j.Priority == best.Priority && j.NotBefore.Before(best.NotBefore)) ||
			(j.Priority == best.Priority && j.NotBefore.Equal(best.NotBefore) && j.ID < best.ID) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	best.State = domain.JobRunning
	best.Attempts++
	best.LeaseUntil = leaseUntil
	best.UpdatedAt = now
	cp := *best
	return &cp, nil
}

func (m *MemoryStore) UpdateJobProgress(ctx context.Context, id domain.ID, p domain.JobProgress, leaseUntil time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	j.Progress = p
	j.LeaseUntil = leaseUntil
	j.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) CompleteJob(ctx context.Context, id domain.ID, result map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	j.State = domain.JobSucceeded
	j.Result = result
	j.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) FailJob(ctx context.Context, id domain.ID, jobErr domain.JobError, requeueAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	j.Error = &jobErr
	j.UpdatedAt = time.Now()
	if requeueAt != nil {
		j.State = domain.JobQueued
		j.NotBefore = *requeueAt
		return nil
	}
	j.State = domain.JobFailed
	return nil
}

func (m *MemoryStore) CancelJob(ctx context.Context, id domain.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	if j.State == domain.JobQueued || j.State == domain.JobRunning {
		j.Cancelled = true
	}
	return nil
}

// --- KeyValueStore ---

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.kv[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(m.kv, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	m.kv[key] = kvEntry{value: value, expires: exp}
	return nil
}

func (m *MemoryStore) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	return nil
}

func (m *MemoryStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.kv[key]
	var cur int64
	if ok && !(!e.expires.IsZero() && time.Now().After(e.expires)) {
		cur = btoi64(e.value)
	}
	cur += delta
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	m.kv[key] = kvEntry{value: i64tob(cur), expires: exp}
	return cur, nil
}

func (m *MemoryStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.kv[key]; ok && !(!e.expires.IsZero() && time.Now().After(e.expires)) {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	m.kv[key] = kvEntry{value: value, expires: exp}
	return true, nil
}

func i64tob(v int64) []byte {
	if v == 0 {
		return []byte("0")
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return buf[i:]
}

func btoi64(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	neg := false
	i := 0
	if b[0] == '-' {
		neg = true
		i = 1
	}
	var v int64
	for ; i < len(b); i++ {
		v = v*10 + int64(b[i]-'0')
	}
	if neg {
		v = -v
	}
	return v
}
