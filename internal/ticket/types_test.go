package ticket

import (
	"regexp"
	"testing"
	"time"
)

func TestNewTicketIDFormat(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 4, 5, 0, time.UTC)
	tk := NewTicket("20100066603", OpDownloadProposal, Params{Period: "202602"}, PriorityNormal, now)

	want := regexp.MustCompile(`^TKT-DLP-20260310150405-[0-9a-f]{8}$`)
	if !want.MatchString(tk.TicketID) {
		t.Fatalf("ticket id %q does not match the expected shape", tk.TicketID)
	}
	if tk.Status != StatusPending {
		t.Fatalf("new ticket status %s, want PENDING", tk.Status)
	}
	if tk.Progress != 0 || tk.RetryCount != 0 {
		t.Fatalf("new ticket must start at zero progress and retries")
	}
}

func TestOperationTTLTable(t *testing.T) {
	cases := map[OperationType]time.Duration{
		OpDownloadProposal:        2 * time.Hour,
		OpAcceptProposal:          time.Hour,
		OpReplaceProposal:         4 * time.Hour,
		OpRegisterPreliminary:     3 * time.Hour,
		OpDownloadInconsistencies: time.Hour,
		OpGenerateSummary:         time.Hour,
		OperationType("UNKNOWN"):  2 * time.Hour,
	}
	for op, want := range cases {
		if got := op.TTL(); got != want {
			t.Errorf("%s TTL = %s, want %s", op, got, want)
		}
	}
}

func TestTicketExpiryWindow(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tk := NewTicket("20100066603", OpAcceptProposal, Params{Period: "202602"}, PriorityNormal, now)

	if tk.IsExpired(now.Add(59 * time.Minute)) {
		t.Fatal("ticket expired inside its one hour window")
	}
	if !tk.IsExpired(now.Add(time.Hour)) {
		t.Fatal("ticket must expire at the exact boundary instant")
	}
	if !tk.IsExpired(now.Add(61 * time.Minute)) {
		t.Fatal("ticket not expired past its window")
	}

	// Terminal tickets never count as expired.
	tk.Status = StatusDone
	if tk.IsExpired(now.Add(2 * time.Hour)) {
		t.Fatal("DONE ticket reported as expired")
	}
}

func TestCanRetry(t *testing.T) {
	tk := &Ticket{Status: StatusError, RetryCount: 0}
	if !tk.CanRetry() {
		t.Fatal("ERROR with 0 retries should be retryable")
	}
	tk.RetryCount = maxRetries
	if tk.CanRetry() {
		t.Fatal("retries exhausted, must not be retryable")
	}
	tk = &Ticket{Status: StatusDone, RetryCount: 0}
	if tk.CanRetry() {
		t.Fatal("only ERROR tickets are retryable")
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusDone, StatusError, StatusExpired, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusProcessing} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestElapsedAndRemaining(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tk := NewTicket("20100066603", OpDownloadProposal, Params{Period: "202602"}, PriorityNormal, now)

	if tk.ElapsedSeconds(now.Add(time.Minute)) != 0 {
		t.Fatal("elapsed must be zero before processing starts")
	}
	started := now.Add(10 * time.Second)
	tk.ProcessingStartedAt = &started
	if got := tk.ElapsedSeconds(started.Add(30 * time.Second)); got != 30 {
		t.Fatalf("elapsed = %d, want 30", got)
	}
	if got := tk.RemainingSeconds(started.Add(30 * time.Second)); got != tk.EstimatedSeconds-30 {
		t.Fatalf("remaining = %d, want %d", got, tk.EstimatedSeconds-30)
	}
}
