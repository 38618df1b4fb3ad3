package ticket

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"sirebridge.pe/internal/artifact"
	"sirebridge.pe/internal/audit"
	"sirebridge.pe/internal/events"
	"sirebridge.pe/internal/obs"
	"sirebridge.pe/internal/session"
	"sirebridge.pe/internal/sunat"
)

const (
	defaultWorkers      = 8
	defaultStallAfter   = 30 * time.Minute
	defaultRetention    = 30 * 24 * time.Hour
	minPeriod           = "200001"
	rucPattern          = `^\d{11}$`
	periodLayout        = "200601"
)

var rucRe = regexp.MustCompile(rucPattern)

// ValidationError reports rejected ticket input. Carries the taxonomy code so
// the API layer can map it to a 400 without string matching.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ticket: invalid %s: %s", e.Field, e.Detail)
}

// TokenSource is the slice of the session manager the orchestrator needs.
type TokenSource interface {
	GetActiveToken(ctx context.Context, tenantID string) (*session.Token, error)
	GetValidToken(ctx context.Context, tenantID string) (*session.Token, error)
}

// Remote is the slice of the platform client the orchestrator needs.
type Remote interface {
	DownloadReport(ctx context.Context, token string, req sunat.SubmitRequest, poll sunat.PollConfig, onProgress sunat.ProgressFunc) (sunat.Report, error)
}

// Orchestrator drives tickets through the state machine: creation with
// validation and an auth precondition, bounded background execution against
// the platform, cancellation, retry, expiry sweeps and stall recovery.
type Orchestrator struct {
	store     Store
	sessions  TokenSource
	remote    Remote
	artifacts *artifact.Store
	stream    *events.Stream

	poll       sunat.PollConfig
	stallAfter time.Duration
	retention  time.Duration
	now        func() time.Time

	slots chan struct{}

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// OrchestratorOption configures the Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithWorkers bounds concurrent background executions.
func WithWorkers(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.slots = make(chan struct{}, n)
		}
	}
}

// WithArtifacts sets the artifact store for completed results.
func WithArtifacts(store *artifact.Store) OrchestratorOption {
	return func(o *Orchestrator) { o.artifacts = store }
}

// WithEvents sets the lifecycle event stream.
func WithEvents(stream *events.Stream) OrchestratorOption {
	return func(o *Orchestrator) { o.stream = stream }
}

// WithPoll overrides the remote polling policy.
func WithPoll(poll sunat.PollConfig) OrchestratorOption {
	return func(o *Orchestrator) { o.poll = poll }
}

// WithStallThreshold overrides how long a PROCESSING ticket may sit before
// RecoverStalled fails it.
func WithStallThreshold(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.stallAfter = d
		}
	}
}

// WithRetention overrides how long terminal tickets are kept.
func WithRetention(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.retention = d
		}
	}
}

// WithOrchestratorClock overrides the time source (useful for tests).
func WithOrchestratorClock(fn func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		if fn != nil {
			o.now = fn
		}
	}
}

// NewOrchestrator wires the orchestrator with its collaborators.
func NewOrchestrator(store Store, sessions TokenSource, remote Remote, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:      store,
		sessions:   sessions,
		remote:     remote,
		poll:       sunat.DefaultPoll,
		stallAfter: defaultStallAfter,
		retention:  defaultRetention,
		now:        time.Now,
		slots:      make(chan struct{}, defaultWorkers),
		cancels:    make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) clock() time.Time { return o.now().UTC() }

// CreateTicket validates the request, requires an active session for the
// tenant, persists a PENDING ticket and hands it to a background worker.
func (o *Orchestrator) CreateTicket(ctx context.Context, tenantID string, op OperationType, params Params, priority Priority) (*Ticket, error) {
	if err := o.validate(tenantID, op, params); err != nil {
		return nil, err
	}
	if _, err := o.sessions.GetActiveToken(ctx, tenantID); err != nil {
		return nil, fmt.Errorf("%w: tenant %s", sunat.ErrAuthRequired, tenantID)
	}

	t := NewTicket(tenantID, op, params, priority, o.clock())
	if err := o.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("ticket: create: %w", err)
	}
	obs.TicketTransitions.WithLabelValues(string(op), string(StatusPending)).Inc()
	audit.LogEvent(ctx, "ticket.created", map[string]any{
		"ticket_id": t.TicketID, "tenant_id": tenantID,
		"operation": string(op), "period": params.Period,
	})
	o.publish(t, "queued")
	o.dispatch(t.TicketID)
	return t, nil
}

func (o *Orchestrator) validate(tenantID string, op OperationType, params Params) error {
	if !rucRe.MatchString(tenantID) {
		return &ValidationError{Field: "tenant_id", Detail: "RUC must be exactly 11 digits"}
	}
	if !op.Valid() {
		return &ValidationError{Field: "operation", Detail: fmt.Sprintf("unknown operation %q", op)}
	}
	period, err := time.Parse(periodLayout, params.Period)
	if err != nil {
		return &ValidationError{Field: "period", Detail: "period must be YYYYMM"}
	}
	if params.Period < minPeriod {
		return &ValidationError{Field: "period", Detail: "period is before the platform's first period"}
	}
	now := o.clock()
	if period.After(time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)) {
		return &ValidationError{Field: "period", Detail: "period cannot be in the future"}
	}
	return nil
}

// GetTicket returns the ticket, applying lazy expiry: a non-terminal ticket
// read past its window transitions to EXPIRED on the spot.
func (o *Orchestrator) GetTicket(ctx context.Context, ticketID string) (*Ticket, error) {
	t, err := o.store.Get(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	now := o.clock()
	if t.IsExpired(now) {
		t.Status = StatusExpired
		t.UpdatedAt = now
		t.StatusMessage = "expired before completion"
		if err := o.store.Update(ctx, t); err != nil {
			return nil, fmt.Errorf("ticket: expire on read: %w", err)
		}
		obs.TicketTransitions.WithLabelValues(string(t.Operation), string(StatusExpired)).Inc()
		o.publish(t, t.StatusMessage)
	}
	return t, nil
}

// ListByTenant returns the tenant's tickets, newest first.
func (o *Orchestrator) ListByTenant(ctx context.Context, tenantID string, f Filter) ([]*Ticket, error) {
	f.TenantID = tenantID
	return o.store.List(ctx, f)
}

// Stats aggregates counts per status for the tenant ("" = all).
func (o *Orchestrator) Stats(ctx context.Context, tenantID string) (Stats, error) {
	return o.store.Stats(ctx, tenantID)
}

// CancelTicket cancels a PENDING or PROCESSING ticket. A running worker is
// signalled through its cancellation handle; the record transitions here so
// the caller sees CANCELLED immediately.
func (o *Orchestrator) CancelTicket(ctx context.Context, ticketID string) (*Ticket, error) {
	t, err := o.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, &ValidationError{Field: "status", Detail: fmt.Sprintf("ticket is already %s", t.Status)}
	}

	now := o.clock()
	t.Status = StatusCancelled
	t.UpdatedAt = now
	t.ProcessingEndedAt = &now
	t.StatusMessage = "cancelled by caller"
	if err := o.store.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("ticket: cancel: %w", err)
	}

	o.mu.Lock()
	cancel, running := o.cancels[ticketID]
	o.mu.Unlock()
	if running {
		cancel()
	}

	obs.TicketTransitions.WithLabelValues(string(t.Operation), string(StatusCancelled)).Inc()
	audit.LogEvent(ctx, "ticket.cancelled", map[string]any{"ticket_id": ticketID, "was_running": running})
	o.publish(t, t.StatusMessage)
	return t, nil
}

// Retry moves an ERROR ticket back to PENDING while retries remain, resets
// its window and re-dispatches it. The retry counter was already charged when
// the ticket entered ERROR.
func (o *Orchestrator) Retry(ctx context.Context, ticketID string) (*Ticket, error) {
	t, err := o.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if !t.CanRetry() {
		return nil, &ValidationError{Field: "status", Detail: fmt.Sprintf(
			"ticket is %s with %d/%d retries used; only ERROR tickets with retries left can be retried",
			t.Status, t.RetryCount, maxRetries)}
	}

	now := o.clock()
	t.Status = StatusPending
	t.UpdatedAt = now
	t.ExpiresAt = now.Add(t.Operation.TTL())
	t.Progress = 0
	t.StatusMessage = fmt.Sprintf("retry %d of %d", t.RetryCount, maxRetries)
	t.DetailedMessage = ""
	t.ErrorCode = ""
	t.ErrorMessage = ""
	t.ErrorDetails = ""
	t.ProcessingStartedAt = nil
	t.ProcessingEndedAt = nil
	if err := o.store.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("ticket: retry: %w", err)
	}
	obs.TicketTransitions.WithLabelValues(string(t.Operation), string(StatusPending)).Inc()
	audit.LogEvent(ctx, "ticket.retried", map[string]any{"ticket_id": ticketID, "retry_count": t.RetryCount})
	o.publish(t, t.StatusMessage)
	o.dispatch(t.TicketID)
	return t, nil
}

// Sweep expires every non-terminal ticket past its window. Safe to call from
// a scheduler at any frequency; a clean pass reports zero.
func (o *Orchestrator) Sweep(ctx context.Context) (int, error) {
	n, err := o.store.MarkExpired(ctx, o.clock())
	if err != nil {
		return 0, fmt.Errorf("ticket: sweep: %w", err)
	}
	if n > 0 {
		obs.SweepExpired.Add(float64(n))
		obs.Info("ticket: sweep expired", map[string]any{"count": n})
	}
	return n, nil
}

// RecoverStalled fails PROCESSING tickets whose worker has been silent past
// the stall threshold, typically after a crash left records mid-flight.
func (o *Orchestrator) RecoverStalled(ctx context.Context) (int, error) {
	cutoff := o.clock().Add(-o.stallAfter)
	stalled, err := o.store.FindStalled(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("ticket: find stalled: %w", err)
	}
	recovered := 0
	for _, t := range stalled {
		o.mu.Lock()
		_, running := o.cancels[t.TicketID]
		o.mu.Unlock()
		if running {
			// A live worker still owns the ticket; long polls are not stalls.
			continue
		}
		now := o.clock()
		t.Status = StatusError
		t.UpdatedAt = now
		t.ProcessingEndedAt = &now
		t.ErrorCode = sunat.CodeStalled
		t.ErrorMessage = "processing stalled without a live worker"
		t.RetryCount++
		if err := o.store.Update(ctx, t); err != nil {
			return recovered, fmt.Errorf("ticket: recover %s: %w", t.TicketID, err)
		}
		obs.TicketTransitions.WithLabelValues(string(t.Operation), string(StatusError)).Inc()
		audit.LogEvent(ctx, "ticket.stalled", map[string]any{"ticket_id": t.TicketID})
		o.publish(t, t.ErrorMessage)
		recovered++
	}
	return recovered, nil
}

// CleanupOld deletes terminal tickets older than the retention age, along
// with their stored artifacts.
func (o *Orchestrator) CleanupOld(ctx context.Context) (int, error) {
	cutoff := o.clock().Add(-o.retention)
	n, err := o.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("ticket: cleanup: %w", err)
	}
	if o.artifacts != nil {
		if _, err := o.artifacts.CleanupOlderThan(o.retention); err != nil {
			obs.Warn("ticket: artifact cleanup failed", map[string]any{"error": err.Error()})
		}
	}
	return n, nil
}

// Shutdown cancels all running workers and waits for them to drain.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	for _, cancel := range o.cancels {
		cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// dispatch hands the ticket to a background worker. The worker context is
// independent of the request context: the creating call returns immediately
// while execution continues.
func (o *Orchestrator) dispatch(ticketID string) {
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancels[ticketID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			cancel()
			o.mu.Lock()
			delete(o.cancels, ticketID)
			o.mu.Unlock()
		}()

		select {
		case o.slots <- struct{}{}:
			defer func() { <-o.slots }()
		case <-ctx.Done():
			return
		}
		o.run(ctx, ticketID)
	}()
}

func (o *Orchestrator) publish(t *Ticket, message string) {
	if o.stream == nil {
		return
	}
	o.stream.Publish(events.TicketEvent{
		TicketID:  t.TicketID,
		TenantID:  t.TenantID,
		Operation: string(t.Operation),
		Status:    string(t.Status),
		Progress:  t.Progress,
		Message:   message,
		Timestamp: o.clock(),
	})
}
