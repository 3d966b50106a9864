/*
Package audit verifies that every batch's cached quantity still equals the
quantity projected from its events.

PURPOSE:
  The cached quantity on a batch row is a materialized view. The auditor
  walks every batch of the configured orgs, folds each stream and records
  any divergence. It never repairs anything: a divergence is corruption to
  be investigated by a person, and it is logged at error level.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Can be triggered on demand (POST /api/admin/audit)
  - Records each run in a RunStore for later inspection
  - Holds no ledger lock; reads only

USAGE:
  a := audit.New(l, audit.WithOrgs("org-1"), audit.WithInterval(time.Hour))
  a.Start()
  // ... later
  a.Stop()
*/
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/nursery-ledger/ledger"
)

const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// Finding is one batch whose cache and projection disagree, or whose
// stream could not be folded at all.
type Finding struct {
	BatchID     ledger.BatchID  `json:"batch_id"`
	BatchNumber string          `json:"batch_number"`
	Cached      ledger.Quantity `json:"cached"`
	Projected   ledger.Quantity `json:"projected"`
	Error       string          `json:"error,omitempty"`
}

type Report struct {
	ID          string       `json:"id"`
	OrgID       ledger.OrgID `json:"org_id"`
	Trigger     string       `json:"trigger"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at"`
	Checked     int          `json:"checked"`
	Findings    []Finding    `json:"findings"`
}

func (r Report) Clean() bool { return len(r.Findings) == 0 }

// Source is the read side of the ledger the auditor needs.
type Source interface {
	Batches(ctx context.Context, scope ledger.Scope) ([]ledger.Batch, error)
	Verify(ctx context.Context, scope ledger.Scope, id ledger.BatchID) (cached, projected ledger.Quantity, err error)
}

// RunStore keeps the history of audit runs.
type RunStore interface {
	SaveAuditRun(ctx context.Context, r Report) error
	AuditRuns(ctx context.Context, org ledger.OrgID, limit int) ([]Report, error)
}

// Auditor handles scheduled and on-demand integrity audits.
type Auditor struct {
	source   Source
	runs     RunStore
	orgs     []ledger.OrgID
	interval time.Duration
	observer ledger.Observer
	log      zerolog.Logger
	now      func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

type Option func(*Auditor)

func WithRunStore(rs RunStore) Option { return func(a *Auditor) { a.runs = rs } }
func WithInterval(d time.Duration) Option { return func(a *Auditor) { a.interval = d } }
func WithObserver(o ledger.Observer) Option { return func(a *Auditor) { a.observer = o } }
func WithLogger(log zerolog.Logger) Option { return func(a *Auditor) { a.log = log } }

func WithOrgs(orgs ...ledger.OrgID) Option {
	return func(a *Auditor) { a.orgs = append(a.orgs, orgs...) }
}

func New(source Source, opts ...Option) *Auditor {
	a := &Auditor{
		source:   source,
		runs:     NewMemoryRuns(),
		interval: time.Hour,
		log:      zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Runs exposes the run history.
func (a *Auditor) Runs() RunStore { return a.runs }

// Start begins scheduled audits. It is a no-op without orgs or interval.
func (a *Auditor) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.orgs) == 0 || a.interval <= 0 {
		a.log.Info().Msg("integrity auditor disabled")
		return
	}
	if a.ticker != nil {
		return
	}

	a.ticker = time.NewTicker(a.interval)
	a.stop = make(chan struct{})
	a.wg.Add(1)
	go a.run()

	a.log.Info().Dur("interval", a.interval).Int("orgs", len(a.orgs)).Msg("integrity auditor started")
}

// Stop stops the scheduler and waits for an in-flight run.
func (a *Auditor) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ticker == nil {
		return
	}
	a.ticker.Stop()
	close(a.stop)
	a.wg.Wait()
	a.ticker = nil
	a.log.Info().Msg("integrity auditor stopped")
}

func (a *Auditor) run() {
	defer a.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-a.stop
		cancel()
	}()

	a.auditAll(ctx)
	for {
		select {
		case <-a.ticker.C:
			a.auditAll(ctx)
		case <-a.stop:
			return
		}
	}
}

func (a *Auditor) auditAll(ctx context.Context) {
	for _, org := range a.orgs {
		if ctx.Err() != nil {
			return
		}
		if _, err := a.RunOnce(ctx, org, TriggerScheduled); err != nil {
			a.log.Error().Err(err).Str("org_id", string(org)).Msg("integrity audit failed")
		}
	}
}

// RunOnce audits every batch of org and records the run.
func (a *Auditor) RunOnce(ctx context.Context, org ledger.OrgID, trigger string) (Report, error) {
	start := time.Now()
	scope := ledger.Scope{OrgID: org, ActorID: "integrity-auditor"}
	report := Report{
		ID:        uuid.NewString(),
		OrgID:     org,
		Trigger:   trigger,
		StartedAt: a.now().UTC(),
		Findings:  []Finding{},
	}

	batches, err := a.source.Batches(ctx, scope)
	if err != nil {
		a.observe(ctx, "audit", "error", start)
		return Report{}, err
	}

	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		cached, projected, err := a.source.Verify(ctx, scope, b.ID)
		report.Checked++
		switch {
		case err != nil && ledger.IsIntegrity(err):
			report.Findings = append(report.Findings, Finding{
				BatchID: b.ID, BatchNumber: b.BatchNumber, Cached: cached, Error: err.Error(),
			})
		case err != nil:
			a.log.Warn().Err(err).Str("batch_id", string(b.ID)).Msg("audit could not read batch")
		case cached != projected:
			report.Findings = append(report.Findings, Finding{
				BatchID: b.ID, BatchNumber: b.BatchNumber, Cached: cached, Projected: projected,
			})
		}
	}
	report.CompletedAt = a.now().UTC()

	for _, f := range report.Findings {
		a.log.Error().
			Str("org_id", string(org)).
			Str("batch_id", string(f.BatchID)).
			Int64("cached", int64(f.Cached)).
			Int64("projected", int64(f.Projected)).
			Str("error", f.Error).
			Msg("batch quantity diverges from its event stream")
	}

	if err := a.runs.SaveAuditRun(ctx, report); err != nil {
		a.log.Warn().Err(err).Msg("failed to record audit run")
	}

	outcome := "ok"
	if !report.Clean() {
		outcome = ledger.CategoryIntegrity
	}
	a.observe(ctx, "audit", outcome, start)
	a.log.Info().Str("org_id", string(org)).Int("checked", report.Checked).
		Int("divergent", len(report.Findings)).Msg("integrity audit complete")
	return report, nil
}

func (a *Auditor) observe(ctx context.Context, op, outcome string, start time.Time) {
	if a.observer != nil {
		a.observer.Observe(ctx, op, outcome, time.Since(start))
	}
}

// =============================================================================
// MEMORY RUN STORE
// =============================================================================

type MemoryRuns struct {
	mu   sync.RWMutex
	runs map[ledger.OrgID][]Report
}

func NewMemoryRuns() *MemoryRuns {
	return &MemoryRuns{runs: make(map[ledger.OrgID][]Report)}
}

func (m *MemoryRuns) SaveAuditRun(_ context.Context, r Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.OrgID] = append(m.runs[r.OrgID], r)
	return nil
}

func (m *MemoryRuns) AuditRuns(_ context.Context, org ledger.OrgID, limit int) ([]Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runs := m.runs[org]
	out := make([]Report, 0, len(runs))
	for i := len(runs) - 1; i >= 0; i-- {
		out = append(out, runs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
