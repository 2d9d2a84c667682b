package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"permitflow/internal/db"
	"permitflow/internal/domain"
)

type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var ErrNotFound = errors.New("not found")

const permitTable = `"LOTO Work Permit"`

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// textColumns are date/time typed on postgres and read back as text.
var textColumns = map[string]bool{
	"permit_date":         true,
	"permit_issuing_time": true,
	"permit_closing_time": true,
}

var permitColumns = func() string {
	cols := []string{"id"}
	for _, f := range domain.Fields {
		if textColumns[f.Column] {
			cols = append(cols, "CAST("+f.Column+" AS TEXT) AS "+f.Column)
			continue
		}
		cols = append(cols, f.Column)
	}
	cols = append(cols,
		"status", "current_approver_role",
		"bay_manager_approved_by", "bay_manager_approved_at",
		"maintenance_incharge_approved_by", "maintenance_incharge_approved_at",
		"safety_incharge_approved_by", "safety_incharge_approved_at",
		"rejected_by", "rejected_at", "rejection_reason",
	)
	return strings.Join(cols, ",")
}()

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPermit(row rowScanner) (domain.Permit, error) {
	var p domain.Permit
	var status string
	var current sql.NullString
	dest := make([]any, 0, len(domain.Fields)+12)
	dest = append(dest, &p.ID)
	for _, f := range domain.Fields {
		dest = append(dest, f.Dest(&p.Details))
	}
	dest = append(dest,
		&status, &current,
		&p.BayManagerApprovedBy, timeDest{&p.BayManagerApprovedAt},
		&p.MaintenanceInchargeApprovedBy, timeDest{&p.MaintenanceInchargeApprovedAt},
		&p.SafetyInchargeApprovedBy, timeDest{&p.SafetyInchargeApprovedAt},
		&p.RejectedBy, timeDest{&p.RejectedAt}, &p.RejectionReason,
	)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, ErrNotFound
		}
		return p, err
	}
	p.Status = domain.Status(status)
	if current.Valid && current.String != "" {
		role := domain.Role(current.String)
		p.CurrentApproverRole = &role
	}
	return p, nil
}

// timeDest scans timestamps stored as time values (postgres) or RFC 3339
// text (sqlite).
type timeDest struct {
	dst **time.Time
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

func (d timeDest) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d.dst = nil
		return nil
	case time.Time:
		t := v.UTC()
		*d.dst = &t
		return nil
	case []byte:
		return d.Scan(string(v))
	case string:
		if v == "" {
			*d.dst = nil
			return nil
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				t = t.UTC()
				*d.dst = &t
				return nil
			}
		}
		return fmt.Errorf("unrecognised timestamp %q", v)
	}
	return fmt.Errorf("cannot scan %T into timestamp", src)
}

func (r Repo) GetPermit(ctx context.Context, id int64) (domain.Permit, error) {
	return r.getPermit(ctx, r.DB, id)
}

func (r Repo) GetPermitTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Permit, error) {
	return r.getPermit(ctx, tx, id)
}

func (r Repo) getPermit(ctx context.Context, q querier, id int64) (domain.Permit, error) {
	return scanPermit(q.QueryRowContext(ctx, r.Dialect.Rebind(`SELECT `+permitColumns+` FROM `+permitTable+` WHERE id=?`), id))
}

// LockPermit reads the workflow state of a permit under a row lock held
// until tx ends.
func (r Repo) LockPermit(ctx context.Context, tx *sql.Tx, id int64) (domain.Status, *domain.Role, error) {
	var status string
	var current sql.NullString
	err := tx.QueryRowContext(ctx,
		r.Dialect.Rebind(`SELECT status, current_approver_role FROM `+permitTable+` WHERE id=?`+r.Dialect.ForUpdate()), id).
		Scan(&status, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, err
	}
	if !current.Valid || current.String == "" {
		return domain.Status(status), nil, nil
	}
	role := domain.Role(current.String)
	return domain.Status(status), &role, nil
}

// InsertPermit stores the supplied static fields with the given workflow
// state and returns the new id.
func (r Repo) InsertPermit(ctx context.Context, tx *sql.Tx, d domain.Details, status domain.Status, approver domain.Role) (int64, error) {
	cols := []string{"status", "current_approver_role"}
	args := []any{string(status), string(approver)}
	for _, f := range d.Supplied() {
		v, _ := f.Value(&d)
		cols = append(cols, f.Column)
		args = append(args, v)
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	query := fmt.Sprintf(`INSERT INTO %s(%s) VALUES (%s) RETURNING id`, permitTable, strings.Join(cols, ","), marks)
	var id int64
	if err := tx.QueryRowContext(ctx, r.Dialect.Rebind(query), args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// Assignment sets one static column. A nil Value writes NULL.
type Assignment struct {
	Column string
	Value  any
}

func (r Repo) UpdatePermitFields(ctx context.Context, tx *sql.Tx, id int64, sets []Assignment) error {
	if len(sets) == 0 {
		return nil
	}
	fields := make([]string, 0, len(sets))
	args := make([]any, 0, len(sets)+1)
	for _, s := range sets {
		if _, ok := domain.LookupField(s.Column); !ok {
			return fmt.Errorf("unknown permit field %s", s.Column)
		}
		fields = append(fields, s.Column+"=?")
		args = append(args, s.Value)
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, r.Dialect.Rebind(fmt.Sprintf(`UPDATE %s SET %s WHERE id=?`, permitTable, strings.Join(fields, ","))), args...)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// SetApproved records the approval of stage and moves the permit to status
// to, naming next as the following approver (nil once approved).
func (r Repo) SetApproved(ctx context.Context, tx *sql.Tx, id int64, to domain.Status, next *domain.Role, stage domain.Stage, by string, at time.Time) error {
	var nextArg any
	if next != nil {
		nextArg = string(*next)
	}
	query := fmt.Sprintf(`UPDATE %s SET status=?, current_approver_role=?, %s_approved_by=?, %s_approved_at=? WHERE id=?`,
		permitTable, stage, stage)
	res, err := tx.ExecContext(ctx, r.Dialect.Rebind(query), string(to), nextArg, by, r.Dialect.Time(at), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r Repo) SetRejected(ctx context.Context, tx *sql.Tx, id int64, by string, at time.Time, reason *string) error {
	res, err := tx.ExecContext(ctx, r.Dialect.Rebind(`UPDATE `+permitTable+` SET status=?, current_approver_role=NULL, rejected_by=?, rejected_at=?, rejection_reason=? WHERE id=?`),
		string(domain.StatusRejected), by, r.Dialect.Time(at), nullableStringPtr(reason), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

type PermitFilters struct {
	Statuses []domain.Status
	// Plant matches case-insensitively anywhere in the plant name.
	Plant    string
	DateFrom string
	DateTo   string
	Limit    int
}

func (r Repo) ListPermits(ctx context.Context, f PermitFilters) ([]domain.Permit, error) {
	var clauses []string
	var args []any
	if len(f.Statuses) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?,", len(f.Statuses)), ",")
		clauses = append(clauses, "status IN ("+marks+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if f.Plant != "" {
		clauses = append(clauses, "LOWER(plant) LIKE ?")
		args = append(args, "%"+strings.ToLower(f.Plant)+"%")
	}
	if f.DateFrom != "" {
		clauses = append(clauses, "permit_date >= ?")
		args = append(args, f.DateFrom)
	}
	if f.DateTo != "" {
		clauses = append(clauses, "permit_date <= ?")
		args = append(args, f.DateTo)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + permitColumns + ` FROM ` + permitTable + where + ` ORDER BY permit_date DESC NULLS LAST, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.Dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Permit{}
	for rows.Next() {
		p, err := scanPermit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) CountPermitsByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM `+permitTable+` GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Status]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[domain.Status(status)] = count
	}
	return res, rows.Err()
}

func (r Repo) PermitExists(ctx context.Context, id int64) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, r.Dialect.Rebind(`SELECT 1 FROM `+permitTable+` WHERE id=?`), id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// PermitEvents returns the audit trail of one permit, oldest first.
func (r Repo) PermitEvents(ctx context.Context, permitID int64) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, r.Dialect.Rebind(`SELECT id,ts,type,permit_id,actor,role,payload_json FROM loto_permit_events WHERE permit_id=? ORDER BY id ASC`), permitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		var ts timeString
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.PermitID, &e.Actor, &e.Role, &e.Payload); err != nil {
			return nil, err
		}
		e.TS = string(ts)
		res = append(res, e)
	}
	return res, rows.Err()
}

// timeString normalises event timestamps to RFC 3339 text on both dialects.
type timeString string

func (s *timeString) Scan(src any) error {
	var t *time.Time
	if err := (timeDest{&t}).Scan(src); err != nil {
		return err
	}
	if t == nil {
		*s = ""
		return nil
	}
	*s = timeString(t.Format(time.RFC3339Nano))
	return nil
}

func expectOne(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
