package ticket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sirebridge.pe/internal/audit"
	"sirebridge.pe/internal/obs"
	"sirebridge.pe/internal/sunat"
)

// Progress checkpoints for local phases; the remote percentage is scaled into
// the band between submitted and downloading.
const (
	progressStarted     = 10
	progressSubmitted   = 20
	progressDownloading = 90
	progressDone        = 100
)

// run executes one ticket end to end. It owns the PENDING → PROCESSING →
// terminal transitions; cancellation arrives through ctx and leaves the
// record as CancelTicket wrote it.
func (o *Orchestrator) run(ctx context.Context, ticketID string) {
	t, err := o.store.Get(ctx, ticketID)
	if err != nil {
		obs.Error("ticket: load for execution failed", map[string]any{"ticket_id": ticketID, "error": err.Error()})
		return
	}
	if t.Status != StatusPending {
		// Cancelled or expired between dispatch and slot acquisition.
		return
	}
	if t.IsExpired(o.clock()) {
		return
	}

	now := o.clock()
	t.Status = StatusProcessing
	t.UpdatedAt = now
	t.ProcessingStartedAt = &now
	t.Progress = progressStarted
	t.StatusMessage = "submitting to platform"
	if err := o.store.Update(ctx, t); err != nil {
		obs.Error("ticket: start transition failed", map[string]any{"ticket_id": ticketID, "error": err.Error()})
		return
	}
	obs.TicketTransitions.WithLabelValues(string(t.Operation), string(StatusProcessing)).Inc()
	o.publish(t, t.StatusMessage)

	report, err := o.execute(ctx, t)
	if ctx.Err() != nil {
		// The record was already transitioned by CancelTicket (or shutdown
		// is in progress); do not overwrite it.
		return
	}
	if err != nil {
		o.fail(t, err)
		return
	}
	o.complete(t, report)
}

// execute performs the remote round trip, refreshing progress and the remote
// ticket id as they become known.
func (o *Orchestrator) execute(ctx context.Context, t *Ticket) (sunat.Report, error) {
	tok, err := o.sessions.GetActiveToken(ctx, t.TenantID)
	if err != nil {
		return sunat.Report{}, fmt.Errorf("%w: tenant %s", sunat.ErrAuthRequired, t.TenantID)
	}

	req := sunat.SubmitRequest{
		TenantID:  t.TenantID,
		Period:    t.Params.Period,
		Operation: t.Operation.SunatCode(),
		Params:    t.Params.Extra,
	}
	onProgress := func(percent float64, message string) {
		if ctx.Err() != nil {
			// CancelTicket already wrote the terminal record.
			return
		}
		span := float64(progressDownloading - progressSubmitted)
		t.Progress = progressSubmitted + int(percent/100*span)
		t.StatusMessage = "waiting for platform"
		if message != "" {
			t.StatusMessage = message
		}
		t.UpdatedAt = o.clock()
		if err := o.store.Update(ctx, t); err == nil {
			o.publish(t, t.StatusMessage)
		}
	}
	report, err := o.remote.DownloadReport(ctx, tok.AccessToken, req, o.poll, onProgress)
	if ctx.Err() != nil {
		// The remote client reports the remote ticket id even on
		// cancellation; writing the held snapshot back now would overwrite
		// the CANCELLED record with a stale PROCESSING one.
		return report, err
	}
	if report.RemoteTicketID != "" && report.RemoteTicketID != t.RemoteTicketID {
		t.RemoteTicketID = report.RemoteTicketID
		t.UpdatedAt = o.clock()
		if uerr := o.store.Update(ctx, t); uerr != nil {
			obs.Warn("ticket: record remote ticket id failed", map[string]any{"ticket_id": t.TicketID, "error": uerr.Error()})
		}
	}
	return report, err
}

// complete stores the artifact and finishes the ticket as DONE.
func (o *Orchestrator) complete(t *Ticket, report sunat.Report) {
	ctx := context.Background()
	if o.artifacts != nil && len(report.Data) > 0 {
		art, err := o.artifacts.Save(t.TicketID, report.FileName, report.Data)
		if err != nil {
			o.fail(t, fmt.Errorf("store artifact: %w", err))
			return
		}
		t.Output = Output{
			FileName: art.FileName,
			FileSize: art.FileSize,
			FileType: art.FileType,
			FileHash: art.FileHash,
			FileURL:  fmt.Sprintf("/v1/tickets/%s/file", t.TicketID),
		}
	} else if report.FileName != "" {
		t.Output = Output{FileName: report.FileName, FileSize: int64(len(report.Data))}
	}

	now := o.clock()
	t.Status = StatusDone
	t.UpdatedAt = now
	t.ProcessingEndedAt = &now
	t.Progress = progressDone
	t.StatusMessage = "completed"
	t.DetailedMessage = fmt.Sprintf("completed in %ds", t.ElapsedSeconds(now))
	if err := o.store.Update(ctx, t); err != nil {
		obs.Error("ticket: finish transition failed", map[string]any{"ticket_id": t.TicketID, "error": err.Error()})
		return
	}
	obs.TicketTransitions.WithLabelValues(string(t.Operation), string(StatusDone)).Inc()
	audit.LogEvent(ctx, "ticket.done", map[string]any{
		"ticket_id": t.TicketID, "file_name": t.Output.FileName,
		"file_size": t.Output.FileSize, "elapsed_seconds": t.ElapsedSeconds(now),
	})
	o.publish(t, t.StatusMessage)
}

// fail finishes the ticket as ERROR with the taxonomy code. Auth-class
// failures do not charge a retry: retrying them without a fresh session would
// fail identically, so the counter stays meaningful for transient faults.
func (o *Orchestrator) fail(t *Ticket, cause error) {
	ctx := context.Background()
	now := o.clock()
	t.Status = StatusError
	t.UpdatedAt = now
	t.ProcessingEndedAt = &now
	t.ErrorCode = sunat.ErrorCode(cause)
	t.ErrorMessage = rootMessage(cause)
	t.ErrorDetails = cause.Error()
	t.StatusMessage = "failed"
	if !sunat.IsAuth(cause) {
		t.RetryCount++
	}
	if err := o.store.Update(ctx, t); err != nil {
		obs.Error("ticket: fail transition failed", map[string]any{"ticket_id": t.TicketID, "error": err.Error()})
		return
	}
	obs.TicketTransitions.WithLabelValues(string(t.Operation), string(StatusError)).Inc()
	audit.LogEvent(ctx, "ticket.failed", map[string]any{
		"ticket_id": t.TicketID, "error_code": t.ErrorCode,
		"retry_count": t.RetryCount, "error": t.ErrorMessage,
	})
	o.publish(t, t.ErrorMessage)
}

// rootMessage keeps the caller-facing error short: the innermost message for
// wrapped chains, the full text otherwise.
func rootMessage(err error) string {
	for {
		unwrapped := errors.Unwrap(err)
		if unwrapped == nil {
			return err.Error()
		}
		err = unwrapped
	}
}

// WaitIdle blocks until no workers are running, up to the timeout. Test hook.
func (o *Orchestrator) WaitIdle(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
