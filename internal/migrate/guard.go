package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"permitflow/internal/db"
)

// PermitTable is the legacy table name shared with existing deployments.
const PermitTable = `"LOTO Work Permit"`

type workflowColumn struct {
	name     string
	sqlite   string
	postgres string
}

var workflowColumns = []workflowColumn{
	{"status", "TEXT NOT NULL DEFAULT 'PENDING_BAY'", "VARCHAR(30) NOT NULL DEFAULT 'PENDING_BAY'"},
	{"current_approver_role", "TEXT DEFAULT 'bay_manager'", "VARCHAR(50) DEFAULT 'bay_manager'"},
	{"bay_manager_approved_by", "TEXT", "TEXT"},
	{"bay_manager_approved_at", "TEXT", "TIMESTAMPTZ"},
	{"maintenance_incharge_approved_by", "TEXT", "TEXT"},
	{"maintenance_incharge_approved_at", "TEXT", "TIMESTAMPTZ"},
	{"safety_incharge_approved_by", "TEXT", "TEXT"},
	{"safety_incharge_approved_at", "TEXT", "TIMESTAMPTZ"},
	{"rejected_by", "TEXT", "TEXT"},
	{"rejected_at", "TEXT", "TIMESTAMPTZ"},
	{"rejection_reason", "TEXT", "TEXT"},
}

// WorkflowColumns lists the columns Guard adds to the permit table.
func WorkflowColumns() []string {
	out := make([]string, len(workflowColumns))
	for i, c := range workflowColumns {
		out[i] = c.name
	}
	return out
}

// Guard makes sure the permit table carries the workflow columns. Once it
// has succeeded, Ensure is a flag check.
type Guard struct {
	DB      *sql.DB
	Dialect db.Dialect

	ready atomic.Bool
	mu    sync.Mutex
}

// Ready reports whether Ensure has succeeded.
func (g *Guard) Ready() bool { return g.ready.Load() }

// Ensure probes for the workflow columns and adds the missing ones if the
// probe fails. Errors are returned to the caller and the next call retries.
func (g *Guard) Ensure(ctx context.Context) error {
	if g.ready.Load() {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ready.Load() {
		return nil
	}
	if g.probe(ctx) == nil {
		g.ready.Store(true)
		return nil
	}
	var err error
	if g.Dialect == db.Postgres {
		err = g.evolvePostgres(ctx)
	} else {
		err = g.evolveSQLite(ctx)
	}
	if err != nil {
		return fmt.Errorf("ensure workflow columns: %w", err)
	}
	g.ready.Store(true)
	return nil
}

func (g *Guard) probe(ctx context.Context) error {
	rows, err := g.DB.QueryContext(ctx, `SELECT `+strings.Join(WorkflowColumns(), ", ")+` FROM `+PermitTable+` LIMIT 1`)
	if err != nil {
		return err
	}
	return rows.Close()
}

func (g *Guard) evolvePostgres(ctx context.Context) error {
	adds := make([]string, len(workflowColumns))
	for i, c := range workflowColumns {
		adds[i] = "ADD COLUMN IF NOT EXISTS " + c.name + " " + c.postgres
	}
	_, err := g.DB.ExecContext(ctx, `ALTER TABLE `+PermitTable+"\n  "+strings.Join(adds, ",\n  "))
	return err
}

// SQLite has no ADD COLUMN IF NOT EXISTS, so the existing columns are read
// first and the missing ones added in a single transaction. status goes last
// so the probe cannot pass while other workflow columns are absent.
func (g *Guard) evolveSQLite(ctx context.Context) error {
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	have, err := sqliteColumns(ctx, tx)
	if err != nil {
		return err
	}
	var status *workflowColumn
	for i, c := range workflowColumns {
		if c.name == "status" {
			status = &workflowColumns[i]
			continue
		}
		if err := addSQLiteColumn(ctx, tx, have, c); err != nil {
			return err
		}
	}
	if status != nil {
		if err := addSQLiteColumn(ctx, tx, have, *status); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func addSQLiteColumn(ctx context.Context, tx *sql.Tx, have map[string]bool, c workflowColumn) error {
	if have[c.name] {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `ALTER TABLE `+PermitTable+` ADD COLUMN `+c.name+` `+c.sqlite); err != nil {
		return fmt.Errorf("add column %s: %w", c.name, err)
	}
	return nil
}

func sqliteColumns(ctx context.Context, tx *sql.Tx) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT name FROM pragma_table_info('LOTO Work Permit')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	have := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		have[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(have) == 0 {
		return nil, fmt.Errorf("table %s does not exist", PermitTable)
	}
	return have, nil
}
