// Package ticket owns locally-tracked report operations: the ticket model and
// its state machine, the store tiers behind it, and the orchestrator that
// drives tickets through background execution against the SUNAT platform.
package ticket

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the local ticket state. The machine is
// PENDING → PROCESSING → {DONE, ERROR, CANCELLED}, with PENDING and
// PROCESSING also able to expire. Terminal states never change again except
// ERROR, which Retry moves back to PENDING while retries remain.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusDone       Status = "DONE"
	StatusError      Status = "ERROR"
	StatusExpired    Status = "EXPIRED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether the status never transitions again on its own.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusError, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether the value is one of the closed set.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusDone, StatusError, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// OperationType identifies which report operation a ticket runs.
type OperationType string

const (
	OpDownloadProposal        OperationType = "DOWNLOAD_PROPOSAL"
	OpAcceptProposal          OperationType = "ACCEPT_PROPOSAL"
	OpReplaceProposal         OperationType = "REPLACE_PROPOSAL"
	OpRegisterPreliminary     OperationType = "REGISTER_PRELIMINARY"
	OpDownloadInconsistencies OperationType = "DOWNLOAD_INCONSISTENCIES"
	OpGenerateSummary         OperationType = "GENERATE_SUMMARY"
)

// Valid reports whether the operation is one of the closed set.
func (o OperationType) Valid() bool {
	switch o {
	case OpDownloadProposal, OpAcceptProposal, OpReplaceProposal,
		OpRegisterPreliminary, OpDownloadInconsistencies, OpGenerateSummary:
		return true
	}
	return false
}

// SunatCode returns the platform operation code submitted upstream.
func (o OperationType) SunatCode() string {
	switch o {
	case OpDownloadProposal:
		return "RVIE_PROPUESTA_DESCARGA"
	case OpAcceptProposal:
		return "RVIE_PROPUESTA_ACEPTAR"
	case OpReplaceProposal:
		return "RVIE_PROPUESTA_REEMPLAZAR"
	case OpRegisterPreliminary:
		return "RVIE_PRELIMINAR_REGISTRAR"
	case OpDownloadInconsistencies:
		return "RVIE_INCONSISTENCIAS_DESCARGA"
	case OpGenerateSummary:
		return "RVIE_RESUMEN_GENERAR"
	default:
		return string(o)
	}
}

// short returns the ticket-id infix for the operation.
func (o OperationType) short() string {
	switch o {
	case OpDownloadProposal:
		return "DLP"
	case OpAcceptProposal:
		return "ACP"
	case OpReplaceProposal:
		return "RPP"
	case OpRegisterPreliminary:
		return "RGP"
	case OpDownloadInconsistencies:
		return "DLI"
	case OpGenerateSummary:
		return "GSM"
	default:
		return "OPR"
	}
}

// TTL is how long a ticket of this operation may sit non-terminal before it
// expires. The longer windows belong to operations the platform is known to
// queue for hours.
func (o OperationType) TTL() time.Duration {
	switch o {
	case OpDownloadProposal:
		return 2 * time.Hour
	case OpAcceptProposal:
		return time.Hour
	case OpReplaceProposal:
		return 4 * time.Hour
	case OpRegisterPreliminary:
		return 3 * time.Hour
	case OpDownloadInconsistencies:
		return time.Hour
	case OpGenerateSummary:
		return time.Hour
	default:
		return 2 * time.Hour
	}
}

// EstimatedSeconds is the rough per-operation duration estimate surfaced to
// callers so they can size their own polling.
func (o OperationType) EstimatedSeconds() int {
	switch o {
	case OpDownloadProposal:
		return 120
	case OpAcceptProposal:
		return 60
	case OpReplaceProposal:
		return 300
	case OpRegisterPreliminary:
		return 180
	case OpDownloadInconsistencies:
		return 90
	case OpGenerateSummary:
		return 60
	default:
		return 120
	}
}

// Priority orders tickets in listings; execution slots are first-come.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Valid reports whether the value is one of the closed set.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

const maxRetries = 3

// Params carries the caller-supplied inputs of a ticket.
type Params struct {
	Period string         `json:"period"` // YYYYMM
	Extra  map[string]any `json:"extra,omitempty"`
}

// Output describes the artifact a completed ticket produced.
type Output struct {
	FileName string `json:"file_name,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
	FileType string `json:"file_type,omitempty"`
	FileHash string `json:"file_hash,omitempty"`
	FileURL  string `json:"file_url,omitempty"`
}

// Ticket is one locally-owned report operation.
type Ticket struct {
	TicketID            string        `json:"ticket_id"`
	TenantID            string        `json:"tenant_id"`
	Operation           OperationType `json:"operation"`
	Params              Params        `json:"params"`
	Status              Status        `json:"status"`
	Priority            Priority      `json:"priority"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
	ExpiresAt           time.Time     `json:"expires_at"`
	ProcessingStartedAt *time.Time    `json:"processing_started_at,omitempty"`
	ProcessingEndedAt   *time.Time    `json:"processing_ended_at,omitempty"`
	Progress            int           `json:"progress"`
	StatusMessage       string        `json:"status_message,omitempty"`
	DetailedMessage     string        `json:"detailed_message,omitempty"`
	Output              Output        `json:"output,omitempty"`
	ErrorCode           string        `json:"error_code,omitempty"`
	ErrorMessage        string        `json:"error_message,omitempty"`
	ErrorDetails        string        `json:"error_details,omitempty"`
	RetryCount          int           `json:"retry_count"`
	RemoteTicketID      string        `json:"remote_ticket_id,omitempty"`
	EstimatedSeconds    int           `json:"estimated_seconds"`
}

// NewTicket builds a PENDING ticket for the operation with the per-operation
// expiry window applied.
func NewTicket(tenantID string, op OperationType, params Params, priority Priority, now time.Time) *Ticket {
	if !priority.Valid() {
		priority = PriorityNormal
	}
	now = now.UTC()
	return &Ticket{
		TicketID:         newTicketID(op, now),
		TenantID:         tenantID,
		Operation:        op,
		Params:           params,
		Status:           StatusPending,
		Priority:         priority,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(op.TTL()),
		EstimatedSeconds: op.EstimatedSeconds(),
	}
}

// newTicketID builds TKT-{OP}-{YYYYMMDDHHMMSS}-{8 hex}. The timestamp makes
// ids grep-able in logs; the random suffix makes them unique.
func newTicketID(op OperationType, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("TKT-%s-%s-%s", op.short(), now.Format("20060102150405"), suffix)
}

// IsExpired reports whether a non-terminal ticket has outlived its window.
func (t *Ticket) IsExpired(now time.Time) bool {
	return !t.Status.Terminal() && !now.Before(t.ExpiresAt)
}

// CanRetry reports whether Retry may move the ticket back to PENDING.
func (t *Ticket) CanRetry() bool {
	return t.Status == StatusError && t.RetryCount < maxRetries
}

// ElapsedSeconds is the time spent processing so far (or total, once ended).
func (t *Ticket) ElapsedSeconds(now time.Time) int {
	if t.ProcessingStartedAt == nil {
		return 0
	}
	end := now
	if t.ProcessingEndedAt != nil {
		end = *t.ProcessingEndedAt
	}
	if d := end.Sub(*t.ProcessingStartedAt); d > 0 {
		return int(d.Seconds())
	}
	return 0
}

// RemainingSeconds estimates time left based on the per-operation estimate.
func (t *Ticket) RemainingSeconds(now time.Time) int {
	if t.Status.Terminal() {
		return 0
	}
	if left := t.EstimatedSeconds - t.ElapsedSeconds(now); left > 0 {
		return left
	}
	return 0
}

// clone returns a copy so store internals never leak to callers.
func (t *Ticket) clone() *Ticket {
	if t == nil {
		return nil
	}
	cp := *t
	if t.ProcessingStartedAt != nil {
		v := *t.ProcessingStartedAt
		cp.ProcessingStartedAt = &v
	}
	if t.ProcessingEndedAt != nil {
		v := *t.ProcessingEndedAt
		cp.ProcessingEndedAt = &v
	}
	if t.Params.Extra != nil {
		extra := make(map[string]any, len(t.Params.Extra))
		for k, v := range t.Params.Extra {
			extra[k] = v
		}
		cp.Params.Extra = extra
	}
	return &cp
}
