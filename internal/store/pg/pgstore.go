package pg

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"escrowd.org/internal/audit"
	"escrowd.org/internal/escrow"
)

// Migrations holds the schema files applied by the migrate command.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory of Migrations that holds the SQL files.
const MigrationsDir = "migrations"

type Store struct {
	db *sql.DB
}

var _ escrow.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Begin(ctx context.Context) (escrow.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx}, nil
}

func (s *Store) ListAudit(ctx context.Context, escrowID string, afterSeq uint64, limit int) ([]audit.Entry, error) {
	return listAudit(ctx, s.db, escrowID, afterSeq, limit)
}

// ClaimDue leases due work items with FOR UPDATE SKIP LOCKED so that
// concurrent workers never claim the same row.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]escrow.WorkItem, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		with due as (
			select key, not_before from work_items
			where status = 'scheduled' and not_before <= $1
			order by not_before, key
			limit $2
			for update skip locked
		)
		update work_items w set not_before = $3
		from due where w.key = due.key
		returning `+workColumns("w")+`, due.not_before
	`, now, limit, now.Add(lease))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []escrow.WorkItem
	for rows.Next() {
		var due time.Time
		w, err := scanWorkItem(rows, &due)
		if err != nil {
			return nil, err
		}
		w.NotBefore = due
		res = append(res, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].NotBefore.Equal(res[j].NotBefore) {
			return res[i].NotBefore.Before(res[j].NotBefore)
		}
		return res[i].Key < res[j].Key
	})
	return res, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type scanner interface {
	Scan(dest ...any) error
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) InsertEscrow(ctx context.Context, e escrow.Escrow) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into escrows(id, payer_id, payee_id, amount, currency, state, version, refunded, released, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, e.ID, e.PayerID, e.PayeeID, e.Amount, e.Currency, string(e.State), e.Version, e.Refunded, e.Released, e.CreatedAt, e.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: escrow %s", escrow.ErrAlreadyExists, e.ID)
	}
	return classify(err)
}

func (t *pgTx) GetEscrow(ctx context.Context, id string) (escrow.Escrow, error) {
	var e escrow.Escrow
	var state string
	err := t.tx.QueryRowContext(ctx, `
		select id, payer_id, payee_id, amount, currency, state, version, refunded, released, created_at, updated_at
		from escrows where id=$1
	`, id).Scan(&e.ID, &e.PayerID, &e.PayeeID, &e.Amount, &e.Currency, &state, &e.Version, &e.Refunded, &e.Released, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return escrow.Escrow{}, fmt.Errorf("%w: escrow %s", escrow.ErrNotFound, id)
	}
	if err != nil {
		return escrow.Escrow{}, classify(err)
	}
	e.State = escrow.State(state)
	return e, nil
}

func (t *pgTx) SaveEscrow(ctx context.Context, e escrow.Escrow, expectedVersion int64) error {
	res, err := t.tx.ExecContext(ctx, `
		update escrows
		set state=$3, version=$4, refunded=$5, released=$6, updated_at=$7
		where id=$1 and version=$2
	`, e.ID, expectedVersion, string(e.State), e.Version, e.Refunded, e.Released, e.UpdatedAt)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: escrow %s is no longer at version %d", escrow.ErrConcurrencyConflict, e.ID, expectedVersion)
	}
	return nil
}

func (t *pgTx) ListMilestones(ctx context.Context, escrowID string) ([]escrow.Milestone, error) {
	rows, err := t.tx.QueryContext(ctx, `
		select `+milestoneColumns+`
		from milestones where escrow_id=$1
		order by seq asc
	`, escrowID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var res []escrow.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (t *pgTx) GetMilestone(ctx context.Context, escrowID, id string) (escrow.Milestone, error) {
	m, err := scanMilestone(t.tx.QueryRowContext(ctx, `
		select `+milestoneColumns+`
		from milestones where escrow_id=$1 and id=$2
	`, escrowID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return escrow.Milestone{}, fmt.Errorf("%w: milestone %s", escrow.ErrNotFound, id)
	}
	return m, err
}

func (t *pgTx) PutMilestone(ctx context.Context, m escrow.Milestone) error {
	evidence, err := marshalList(m.Evidence)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		insert into milestones(id, escrow_id, seq, title, amount, due_date, status, submitted_at, approved_at, paid_at, evidence)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		on conflict (id) do update set
			title=excluded.title, amount=excluded.amount, due_date=excluded.due_date, status=excluded.status,
			submitted_at=excluded.submitted_at, approved_at=excluded.approved_at, paid_at=excluded.paid_at,
			evidence=excluded.evidence
	`, m.ID, m.EscrowID, m.Seq, m.Title, m.Amount, nullTime(m.DueDate), string(m.Status),
		nullTimePtr(m.SubmittedAt), nullTimePtr(m.ApprovedAt), nullTimePtr(m.PaidAt), evidence)
	return classify(err)
}

func (t *pgTx) GetDispute(ctx context.Context, escrowID, id string) (escrow.Dispute, error) {
	d, err := scanDispute(t.tx.QueryRowContext(ctx, `
		select `+disputeColumns+` from disputes where escrow_id=$1 and id=$2
	`, escrowID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return escrow.Dispute{}, fmt.Errorf("%w: dispute %s", escrow.ErrNotFound, id)
	}
	return d, err
}

func (t *pgTx) FindDispute(ctx context.Context, id string) (escrow.Dispute, error) {
	d, err := scanDispute(t.tx.QueryRowContext(ctx, `
		select `+disputeColumns+` from disputes where id=$1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return escrow.Dispute{}, fmt.Errorf("%w: dispute %s", escrow.ErrNotFound, id)
	}
	return d, err
}

func (t *pgTx) ListDisputes(ctx context.Context, escrowID string) ([]escrow.Dispute, error) {
	rows, err := t.tx.QueryContext(ctx, `
		select `+disputeColumns+` from disputes
		where escrow_id=$1
		order by created_at asc, id asc
	`, escrowID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var res []escrow.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (t *pgTx) PutDispute(ctx context.Context, d escrow.Dispute) error {
	evidence, err := marshalList(d.Evidence)
	if err != nil {
		return err
	}
	var refund sql.NullInt64
	if d.RefundAmount != nil {
		refund = sql.NullInt64{Int64: *d.RefundAmount, Valid: true}
	}
	_, err = t.tx.ExecContext(ctx, `
		insert into disputes(id, escrow_id, raised_by, reason, evidence, status, resolution, refund_amount, created_at, resolved_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		on conflict (id) do update set
			evidence=excluded.evidence, status=excluded.status, resolution=excluded.resolution,
			refund_amount=excluded.refund_amount, resolved_at=excluded.resolved_at
	`, d.ID, d.EscrowID, string(d.RaisedBy), d.Reason, evidence, string(d.Status), string(d.Resolution),
		refund, d.CreatedAt, nullTimePtr(d.ResolvedAt))
	return classify(err)
}

func (t *pgTx) GetWorkItem(ctx context.Context, key string) (escrow.WorkItem, error) {
	w, err := scanWorkItem(t.tx.QueryRowContext(ctx, `
		select `+workColumns("work_items")+` from work_items where key=$1
	`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return escrow.WorkItem{}, fmt.Errorf("%w: work item %s", escrow.ErrNotFound, key)
	}
	return w, err
}

func (t *pgTx) ListWorkItems(ctx context.Context, escrowID string) ([]escrow.WorkItem, error) {
	rows, err := t.tx.QueryContext(ctx, `
		select `+workColumns("work_items")+` from work_items
		where escrow_id=$1
		order by created_at asc, key asc
	`, escrowID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var res []escrow.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (t *pgTx) PutWorkItem(ctx context.Context, w escrow.WorkItem) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into work_items(key, escrow_id, milestone_id, kind, recipient, amount, currency, transfer_id,
			status, attempts, not_before, last_error, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		on conflict (key) do update set
			status=excluded.status, attempts=excluded.attempts, not_before=excluded.not_before,
			last_error=excluded.last_error, amount=excluded.amount, recipient=excluded.recipient,
			updated_at=excluded.updated_at
	`, w.Key, w.EscrowID, w.MilestoneID, string(w.Kind), w.Recipient, w.Amount, w.Currency, w.TransferID,
		string(w.Status), w.Attempts, w.NotBefore, w.LastError, w.CreatedAt, w.UpdatedAt)
	return classify(err)
}

// AppendAudit takes the next sequence number from the escrow row, which the
// unit of work has already locked through SaveEscrow or InsertEscrow.
func (t *pgTx) AppendAudit(ctx context.Context, e audit.Entry) (audit.Entry, error) {
	details, err := json.Marshal(orEmpty(e.Details))
	if err != nil {
		return audit.Entry{}, err
	}
	var seq uint64
	err = t.tx.QueryRowContext(ctx, `
		update escrows set audit_seq = audit_seq + 1 where id=$1 returning audit_seq
	`, e.EscrowID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Entry{}, fmt.Errorf("%w: escrow %s", escrow.ErrNotFound, e.EscrowID)
	}
	if err != nil {
		return audit.Entry{}, classify(err)
	}
	e.Seq = seq
	if _, err := t.tx.ExecContext(ctx, `
		insert into audit_entries(escrow_id, seq, id, actor, actor_type, action, from_state, to_state, details, ts)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, e.EscrowID, e.Seq, e.ID, e.Actor, string(e.ActorType), e.Action, e.FromState, e.ToState, details, e.Timestamp); err != nil {
		return audit.Entry{}, classify(err)
	}
	return e, nil
}

func (t *pgTx) ListAudit(ctx context.Context, escrowID string, afterSeq uint64, limit int) ([]audit.Entry, error) {
	return listAudit(ctx, t.tx, escrowID, afterSeq, limit)
}

func (t *pgTx) Commit() error { return classify(t.tx.Commit()) }

func (t *pgTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func listAudit(ctx context.Context, q querier, escrowID string, afterSeq uint64, limit int) ([]audit.Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := q.QueryContext(ctx, `
		select escrow_id, seq, id, actor, actor_type, action, from_state, to_state, details, ts
		from audit_entries
		where escrow_id=$1 and seq > $2
		order by seq asc
		limit $3
	`, escrowID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var actorType string
		var details []byte
		if err := rows.Scan(&e.EscrowID, &e.Seq, &e.ID, &e.Actor, &actorType, &e.Action, &e.FromState, &e.ToState, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		e.ActorType = audit.ActorType(actorType)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("audit entry %s details: %w", e.ID, err)
			}
			if len(e.Details) == 0 {
				e.Details = nil
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- row mapping ---

const milestoneColumns = `id, escrow_id, seq, title, amount, due_date, status, submitted_at, approved_at, paid_at, evidence`

func scanMilestone(row scanner) (escrow.Milestone, error) {
	var m escrow.Milestone
	var status string
	var due, submitted, approved, paid sql.NullTime
	var evidence []byte
	if err := row.Scan(&m.ID, &m.EscrowID, &m.Seq, &m.Title, &m.Amount, &due, &status, &submitted, &approved, &paid, &evidence); err != nil {
		return escrow.Milestone{}, err
	}
	m.Status = escrow.MilestoneStatus(status)
	if due.Valid {
		m.DueDate = due.Time.UTC()
	}
	m.SubmittedAt = timePtr(submitted)
	m.ApprovedAt = timePtr(approved)
	m.PaidAt = timePtr(paid)
	list, err := unmarshalList(evidence)
	if err != nil {
		return escrow.Milestone{}, err
	}
	m.Evidence = list
	return m, nil
}

const disputeColumns = `id, escrow_id, raised_by, reason, evidence, status, resolution, refund_amount, created_at, resolved_at`

func scanDispute(row scanner) (escrow.Dispute, error) {
	var d escrow.Dispute
	var raisedBy, status, resolution string
	var evidence []byte
	var refund sql.NullInt64
	var resolved sql.NullTime
	if err := row.Scan(&d.ID, &d.EscrowID, &raisedBy, &d.Reason, &evidence, &status, &resolution, &refund, &d.CreatedAt, &resolved); err != nil {
		return escrow.Dispute{}, err
	}
	d.RaisedBy = escrow.DisputeParty(raisedBy)
	d.Status = escrow.DisputeStatus(status)
	d.Resolution = escrow.Resolution(resolution)
	if refund.Valid {
		v := refund.Int64
		d.RefundAmount = &v
	}
	d.ResolvedAt = timePtr(resolved)
	list, err := unmarshalList(evidence)
	if err != nil {
		return escrow.Dispute{}, err
	}
	d.Evidence = list
	return d, nil
}

func workColumns(table string) string {
	cols := []string{"key", "escrow_id", "milestone_id", "kind", "recipient", "amount", "currency", "transfer_id",
		"status", "attempts", "not_before", "last_error", "created_at", "updated_at"}
	for i, c := range cols {
		cols[i] = table + "." + c
	}
	return strings.Join(cols, ", ")
}

func scanWorkItem(row scanner, extra ...any) (escrow.WorkItem, error) {
	var w escrow.WorkItem
	var kind, status string
	dest := []any{&w.Key, &w.EscrowID, &w.MilestoneID, &kind, &w.Recipient, &w.Amount, &w.Currency, &w.TransferID,
		&status, &w.Attempts, &w.NotBefore, &w.LastError, &w.CreatedAt, &w.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return escrow.WorkItem{}, err
	}
	w.Kind = escrow.PayoutKind(kind)
	w.Status = escrow.WorkStatus(status)
	return w, nil
}

// --- helpers ---

// classify maps driver errors onto escrow sentinels. Unique violations and
// serialization failures mean a concurrent unit of work won the race.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01":
			return fmt.Errorf("%w: %s", escrow.ErrConcurrencyConflict, pgErr.Message)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return nullTime(*t)
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func marshalList(in []string) ([]byte, error) {
	if in == nil {
		in = []string{}
	}
	return json.Marshal(in)
}

func unmarshalList(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
