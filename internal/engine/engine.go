package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"permitflow/internal/config"
	"permitflow/internal/db"
	"permitflow/internal/domain"
	"permitflow/internal/engine/auth"
	"permitflow/internal/engine/workflow"
	"permitflow/internal/events"
	"permitflow/internal/migrate"
	"permitflow/internal/repo"
)

var (
	ErrAlreadyFinalized = errors.New("already finalized")
	ErrInvalidState     = errors.New("invalid state")
	ErrNoFields         = errors.New("no fields to update")
	ErrInvalidFilter    = errors.New("invalid filter")
)

const maxListLimit = 500

type Engine struct {
	DB      *sql.DB
	Dialect db.Dialect
	Repo    repo.Repo
	Events  events.Writer
	Guard   *migrate.Guard
	Config  *config.Config
	Now     func() time.Time
}

func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:      conn,
		Dialect: dialect,
		Repo:    repo.Repo{DB: conn, Dialect: dialect},
		Events:  events.Writer{Dialect: dialect},
		Guard:   &migrate.Guard{DB: conn, Dialect: dialect},
		Config:  cfg,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// appendEvent stamps events with the engine clock.
func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType string, id int64, caller auth.Identity, payload events.EventPayload) error {
	w := e.Events
	w.Now = e.now
	return w.Append(ctx, tx, evtType, id, caller.Name, string(caller.Role), payload)
}

func (e Engine) ensureSchema(ctx context.Context) error {
	if e.Guard == nil {
		return nil
	}
	return e.Guard.Ensure(ctx)
}

// FormGate returns the access gate applied to permit submission.
func (e Engine) FormGate() auth.FormGate {
	return auth.FormGate{FormName: e.Config.Auth.FormName, Open: e.Config.Auth.OpenSubmission}
}

// begin opens a write transaction tagged with the caller's identity.
func (e Engine) begin(ctx context.Context, caller auth.Identity) (*sql.Tx, error) {
	if err := e.ensureSchema(ctx); err != nil {
		return nil, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	if err := e.Dialect.SetActor(ctx, tx, caller.Name); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("set actor: %w", err)
	}
	return tx, nil
}

// Create stores a new permit awaiting the bay manager. Any status the
// caller supplied is ignored.
func (e Engine) Create(ctx context.Context, caller auth.Identity, d domain.Details) (domain.Permit, error) {
	if err := e.FormGate().Allow(caller); err != nil {
		return domain.Permit{}, err
	}
	tx, err := e.begin(ctx, caller)
	if err != nil {
		return domain.Permit{}, err
	}
	defer tx.Rollback()

	id, err := e.Repo.InsertPermit(ctx, tx, d, domain.StatusPendingBay, domain.RoleBayManager)
	if err != nil {
		return domain.Permit{}, fmt.Errorf("insert permit: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.PermitCreated, id, caller, events.EventPayload{
		"status": domain.StatusPendingBay,
		"fields": columns(d.Supplied()),
	}); err != nil {
		return domain.Permit{}, err
	}
	p, err := e.Repo.GetPermitTx(ctx, tx, id)
	if err != nil {
		return domain.Permit{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Permit{}, err
	}
	return p, nil
}

// lockForDecision locks the permit and checks it is open and that caller
// is the approver on record.
func (e Engine) lockForDecision(ctx context.Context, tx *sql.Tx, caller auth.Identity, id int64) (domain.Status, error) {
	status, current, err := e.Repo.LockPermit(ctx, tx, id)
	if err != nil {
		return "", err
	}
	if workflow.IsFinal(status) {
		return status, fmt.Errorf("permit %d is %s: %w", id, status, ErrAlreadyFinalized)
	}
	expected, _ := workflow.ExpectedApprover(status, current)
	if !workflow.MayApprove(caller.Role, expected) {
		allowed := []domain.Role{domain.RoleAdmin}
		if expected != "" {
			allowed = []domain.Role{expected, domain.RoleAdmin}
		}
		return status, auth.ForbiddenError{Role: caller.Role, Allowed: allowed}
	}
	return status, nil
}

// Approve advances the permit one stage and stamps the stage's audit pair.
func (e Engine) Approve(ctx context.Context, caller auth.Identity, id int64) (domain.Permit, error) {
	tx, err := e.begin(ctx, caller)
	if err != nil {
		return domain.Permit{}, err
	}
	defer tx.Rollback()

	status, err := e.lockForDecision(ctx, tx, caller, id)
	if err != nil {
		return domain.Permit{}, err
	}
	tr, err := workflow.Advance(status)
	if err != nil {
		return domain.Permit{}, fmt.Errorf("%v: %w", err, ErrInvalidState)
	}
	if err := e.Repo.SetApproved(ctx, tx, id, tr.To, tr.NextApprover, tr.Stage, caller.Name, e.now()); err != nil {
		return domain.Permit{}, fmt.Errorf("approve permit %d: %w", id, err)
	}
	payload := events.EventPayload{"from": tr.From, "to": tr.To, "stage": tr.Stage}
	if err := e.appendEvent(ctx, tx, events.PermitApproved, id, caller, payload); err != nil {
		return domain.Permit{}, err
	}
	p, err := e.Repo.GetPermitTx(ctx, tx, id)
	if err != nil {
		return domain.Permit{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Permit{}, err
	}
	return p, nil
}

// Reject finalizes the permit as rejected. An empty reason is stored as null.
func (e Engine) Reject(ctx context.Context, caller auth.Identity, id int64, reason *string) (domain.Permit, error) {
	tx, err := e.begin(ctx, caller)
	if err != nil {
		return domain.Permit{}, err
	}
	defer tx.Rollback()

	status, err := e.lockForDecision(ctx, tx, caller, id)
	if err != nil {
		return domain.Permit{}, err
	}
	if reason != nil && *reason == "" {
		reason = nil
	}
	if err := e.Repo.SetRejected(ctx, tx, id, caller.Name, e.now(), reason); err != nil {
		return domain.Permit{}, fmt.Errorf("reject permit %d: %w", id, err)
	}
	payload := events.EventPayload{"from": status}
	if reason != nil {
		payload["reason"] = *reason
	}
	if err := e.appendEvent(ctx, tx, events.PermitRejected, id, caller, payload); err != nil {
		return domain.Permit{}, err
	}
	p, err := e.Repo.GetPermitTx(ctx, tx, id)
	if err != nil {
		return domain.Permit{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Permit{}, err
	}
	return p, nil
}

// EditOptions describe a partial update.
type EditOptions struct {
	ID      int64
	Details domain.Details
	// Fields names the columns to write. A named column whose value in
	// Details is nil is set to NULL. When empty, the non-nil fields of
	// Details are written.
	Fields []string
}

// Edit updates static fields of an open permit. Any approver role may edit
// at any pending stage.
func (e Engine) Edit(ctx context.Context, caller auth.Identity, opts EditOptions) (domain.Permit, error) {
	if !workflow.MayEdit(caller.Role) {
		return domain.Permit{}, auth.ForbiddenError{Role: caller.Role, Allowed: workflow.Editors()}
	}
	tx, err := e.begin(ctx, caller)
	if err != nil {
		return domain.Permit{}, err
	}
	defer tx.Rollback()

	status, _, err := e.Repo.LockPermit(ctx, tx, opts.ID)
	if err != nil {
		return domain.Permit{}, err
	}
	if workflow.IsFinal(status) {
		return domain.Permit{}, fmt.Errorf("cannot edit %s permit %d: %w", status, opts.ID, ErrAlreadyFinalized)
	}
	sets := assignments(opts)
	if len(sets) == 0 {
		return domain.Permit{}, ErrNoFields
	}
	if err := e.Repo.UpdatePermitFields(ctx, tx, opts.ID, sets); err != nil {
		return domain.Permit{}, fmt.Errorf("update permit %d: %w", opts.ID, err)
	}
	cols := make([]string, len(sets))
	for i, s := range sets {
		cols[i] = s.Column
	}
	if err := e.appendEvent(ctx, tx, events.PermitUpdated, opts.ID, caller, events.EventPayload{"fields": cols}); err != nil {
		return domain.Permit{}, err
	}
	p, err := e.Repo.GetPermitTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Permit{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Permit{}, err
	}
	return p, nil
}

// assignments keeps registry order and drops unknown or repeated names.
func assignments(opts EditOptions) []repo.Assignment {
	var fields []domain.Field
	if len(opts.Fields) == 0 {
		fields = opts.Details.Supplied()
	} else {
		named := make(map[string]bool, len(opts.Fields))
		for _, name := range opts.Fields {
			named[name] = true
		}
		for _, f := range domain.Fields {
			if named[f.Column] {
				fields = append(fields, f)
			}
		}
	}
	sets := make([]repo.Assignment, 0, len(fields))
	for _, f := range fields {
		v, ok := f.Value(&opts.Details)
		if !ok {
			v = nil
		}
		sets = append(sets, repo.Assignment{Column: f.Column, Value: v})
	}
	return sets
}

func columns(fields []domain.Field) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.Column
	}
	return out
}

func (e Engine) Get(ctx context.Context, id int64) (domain.Permit, error) {
	if err := e.ensureSchema(ctx); err != nil {
		return domain.Permit{}, err
	}
	return e.Repo.GetPermit(ctx, id)
}

// ListOptions filter the permit listing.
type ListOptions struct {
	Statuses []domain.Status
	Plant    string
	DateFrom string
	DateTo   string
	// AwaitingMe keeps only permits whose next approval belongs to the caller.
	AwaitingMe bool
	Limit      int
}

// List returns permits newest first.
func (e Engine) List(ctx context.Context, caller auth.Identity, opts ListOptions) ([]domain.Permit, error) {
	f := repo.PermitFilters{
		Plant:    strings.TrimSpace(opts.Plant),
		DateFrom: strings.TrimSpace(opts.DateFrom),
		DateTo:   strings.TrimSpace(opts.DateTo),
		Limit:    opts.Limit,
	}
	for _, s := range opts.Statuses {
		if !s.Valid() {
			return nil, fmt.Errorf("status %q: %w", s, ErrInvalidFilter)
		}
	}
	for _, d := range []string{f.DateFrom, f.DateTo} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(time.DateOnly, d); err != nil {
			return nil, fmt.Errorf("date %q must be YYYY-MM-DD: %w", d, ErrInvalidFilter)
		}
	}
	if f.Limit < 0 {
		return nil, fmt.Errorf("limit must not be negative: %w", ErrInvalidFilter)
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	f.Statuses = opts.Statuses
	if opts.AwaitingMe {
		f.Statuses = intersect(opts.Statuses, workflow.AwaitingStatuses(caller.Role))
		if len(f.Statuses) == 0 {
			return []domain.Permit{}, nil
		}
	}
	if err := e.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return e.Repo.ListPermits(ctx, f)
}

// intersect returns the members of b also in a; an empty a means all of b.
func intersect(a, b []domain.Status) []domain.Status {
	if len(a) == 0 {
		return b
	}
	keep := make(map[domain.Status]bool, len(a))
	for _, s := range a {
		keep[s] = true
	}
	var out []domain.Status
	for _, s := range b {
		if keep[s] {
			out = append(out, s)
		}
	}
	return out
}

// Summary counts permits per status. Every known status is present.
func (e Engine) Summary(ctx context.Context) (domain.Summary, error) {
	if err := e.ensureSchema(ctx); err != nil {
		return domain.Summary{}, err
	}
	counts, err := e.Repo.CountPermitsByStatus(ctx)
	if err != nil {
		return domain.Summary{}, err
	}
	s := domain.Summary{ByStatus: make(map[domain.Status]int, len(domain.Statuses))}
	for _, status := range domain.Statuses {
		s.ByStatus[status] = 0
	}
	for status, n := range counts {
		s.ByStatus[status] = n
		s.Total += n
	}
	return s, nil
}

// History returns the audit trail of a permit, oldest first.
func (e Engine) History(ctx context.Context, id int64) ([]domain.Event, error) {
	ok, err := e.Repo.PermitExists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, repo.ErrNotFound
	}
	return e.Repo.PermitEvents(ctx, id)
}
