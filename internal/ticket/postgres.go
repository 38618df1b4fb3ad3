package ticket

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore is the durable ticket store on the sire_tickets table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle (pgx stdlib driver).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const ticketColumns = `ticket_id, tenant_id, operation, period, extra_params, status, priority,
	created_at, updated_at, expires_at, processing_started_at, processing_ended_at,
	progress, coalesce(status_message,''), coalesce(detailed_message,''),
	coalesce(file_name,''), file_size, coalesce(file_type,''), coalesce(file_hash,''), coalesce(file_url,''),
	coalesce(error_code,''), coalesce(error_message,''), coalesce(error_details,''),
	retry_count, coalesce(remote_ticket_id,''), estimated_seconds`

func (s *PostgresStore) Create(ctx context.Context, t *Ticket) error {
	extra, err := marshalExtra(t.Params.Extra)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into sire_tickets(
			ticket_id, tenant_id, operation, period, extra_params, status, priority,
			created_at, updated_at, expires_at, progress, retry_count, estimated_seconds)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, t.TicketID, t.TenantID, string(t.Operation), t.Params.Period, extra,
		string(t.Status), string(t.Priority), t.CreatedAt, t.UpdatedAt, t.ExpiresAt,
		t.Progress, t.RetryCount, t.EstimatedSeconds)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, ticketID string) (*Ticket, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+ticketColumns+` from sire_tickets where ticket_id=$1`, ticketID)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *PostgresStore) Update(ctx context.Context, t *Ticket) error {
	extra, err := marshalExtra(t.Params.Extra)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update sire_tickets set
			status=$2, priority=$3, updated_at=$4, expires_at=$5,
			processing_started_at=$6, processing_ended_at=$7,
			progress=$8, status_message=nullif($9,''), detailed_message=nullif($10,''),
			file_name=nullif($11,''), file_size=$12, file_type=nullif($13,''),
			file_hash=nullif($14,''), file_url=nullif($15,''),
			error_code=nullif($16,''), error_message=nullif($17,''), error_details=nullif($18,''),
			retry_count=$19, remote_ticket_id=nullif($20,''), extra_params=$21
		where ticket_id=$1
	`, t.TicketID, string(t.Status), string(t.Priority), t.UpdatedAt, t.ExpiresAt,
		t.ProcessingStartedAt, t.ProcessingEndedAt,
		t.Progress, t.StatusMessage, t.DetailedMessage,
		t.Output.FileName, t.Output.FileSize, t.Output.FileType,
		t.Output.FileHash, t.Output.FileURL,
		t.ErrorCode, t.ErrorMessage, t.ErrorDetails,
		t.RetryCount, t.RemoteTicketID, extra)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Ticket, error) {
	query := `select ` + ticketColumns + ` from sire_tickets where true`
	var args []any
	add := func(clause string, value any) {
		args = append(args, value)
		query += fmt.Sprintf(clause, len(args))
	}
	if f.TenantID != "" {
		add(` and tenant_id=$%d`, f.TenantID)
	}
	if f.Status != "" {
		add(` and status=$%d`, string(f.Status))
	}
	if f.Operation != "" {
		add(` and operation=$%d`, string(f.Operation))
	}
	query += ` order by created_at desc`
	if f.Limit > 0 {
		add(` limit $%d`, f.Limit)
	}
	if f.Offset > 0 {
		add(` offset $%d`, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context, tenantID string) (Stats, error) {
	query := `select status, count(*) from sire_tickets`
	var args []any
	if tenantID != "" {
		query += ` where tenant_id=$1`
		args = append(args, tenantID)
	}
	query += ` group by status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	stats := Stats{ByStatus: make(map[Status]int)}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, err
		}
		stats.ByStatus[Status(status)] = count
		stats.Total += count
	}
	stats.Pending = stats.ByStatus[StatusPending]
	stats.Processing = stats.ByStatus[StatusProcessing]
	return stats, rows.Err()
}

func (s *PostgresStore) MarkExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update sire_tickets
		set status=$1, updated_at=$2, status_message='expired before completion'
		where status in ($3,$4) and expires_at <= $2
	`, string(StatusExpired), now, string(StatusPending), string(StatusProcessing))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) FindStalled(ctx context.Context, cutoff time.Time) ([]*Ticket, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+ticketColumns+` from sire_tickets
		where status=$1 and processing_started_at < $2
	`, string(StatusProcessing), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from sire_tickets
		where status in ($1,$2,$3,$4) and updated_at < $5
	`, string(StatusDone), string(StatusError), string(StatusExpired), string(StatusCancelled), cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (*Ticket, error) {
	var t Ticket
	var operation, status, priority string
	var extra []byte
	var started, ended sql.NullTime
	var fileSize sql.NullInt64
	err := row.Scan(
		&t.TicketID, &t.TenantID, &operation, &t.Params.Period, &extra, &status, &priority,
		&t.CreatedAt, &t.UpdatedAt, &t.ExpiresAt, &started, &ended,
		&t.Progress, &t.StatusMessage, &t.DetailedMessage,
		&t.Output.FileName, &fileSize, &t.Output.FileType, &t.Output.FileHash, &t.Output.FileURL,
		&t.ErrorCode, &t.ErrorMessage, &t.ErrorDetails,
		&t.RetryCount, &t.RemoteTicketID, &t.EstimatedSeconds)
	if err != nil {
		return nil, err
	}
	t.Operation = OperationType(operation)
	t.Status = Status(status)
	t.Priority = Priority(priority)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	if started.Valid {
		v := started.Time.UTC()
		t.ProcessingStartedAt = &v
	}
	if ended.Valid {
		v := ended.Time.UTC()
		t.ProcessingEndedAt = &v
	}
	if fileSize.Valid {
		t.Output.FileSize = fileSize.Int64
	}
	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &t.Params.Extra); err != nil {
			return nil, fmt.Errorf("ticket: decode extra params for %s: %w", t.TicketID, err)
		}
	}
	return &t, nil
}

func marshalExtra(extra map[string]any) ([]byte, error) {
	if extra == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("ticket: encode extra params: %w", err)
	}
	return data, nil
}
