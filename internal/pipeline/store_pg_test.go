package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakePGConn records statements and plays back canned responses, so the SQL
// paths are exercised without a live database.
type fakePGConn struct {
	execSQL  []string
	execArgs [][]any
	execTag  pgconn.CommandTag
	execErr  error
	row      pgx.Row
}

func (f *fakePGConn) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, args)
	return f.execTag, f.execErr
}

func (f *fakePGConn) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.execSQL = append(f.execSQL, sql)
	return f.row
}

func (f *fakePGConn) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

// fakeRow scans a fixed run back to the caller.
type fakeRow struct {
	run *Run
	err error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*uuid.UUID) = r.run.ID
	*dest[1].(*string) = r.run.Status
	*dest[2].(*time.Time) = r.run.StartedAt
	*dest[3].(**time.Time) = r.run.FinishedAt
	*dest[4].(*int) = r.run.Patients
	*dest[5].(*int) = r.run.Observations
	*dest[6].(*int) = r.run.Abnormal
	*dest[7].(*int) = r.run.Normal
	*dest[8].(*int) = r.run.FailedFiles
	*dest[9].(*bool) = r.run.Delivered
	*dest[10].(*string) = r.run.Error
	return nil
}

func TestPGRunStore_Create(t *testing.T) {
	conn := &fakePGConn{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	store := &PGRunStore{db: conn}

	run := &Run{ID: uuid.New(), Status: StatusRunning, StartedAt: time.Now().UTC()}
	if err := store.Create(context.Background(), run); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(conn.execSQL) != 1 || !strings.Contains(conn.execSQL[0], "INSERT INTO pipeline_run") {
		t.Fatalf("unexpected SQL: %v", conn.execSQL)
	}
	if len(conn.execArgs[0]) != 11 {
		t.Fatalf("expected 11 bind args, got %d", len(conn.execArgs[0]))
	}
}

func TestPGRunStore_UpdateMissing(t *testing.T) {
	conn := &fakePGConn{execTag: pgconn.NewCommandTag("UPDATE 0")}
	store := &PGRunStore{db: conn}

	err := store.Update(context.Background(), &Run{ID: uuid.New()})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestPGRunStore_Get(t *testing.T) {
	want := &Run{
		ID:           uuid.New(),
		Status:       StatusDegraded,
		StartedAt:    time.Now().UTC(),
		Observations: 7,
		FailedFiles:  1,
	}
	conn := &fakePGConn{row: &fakeRow{run: want}}
	store := &PGRunStore{db: conn}

	got, err := store.Get(context.Background(), want.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != want.ID || got.Status != StatusDegraded || got.Observations != 7 {
		t.Fatalf("unexpected run: %+v", got)
	}
}

func TestPGRunStore_GetScanError(t *testing.T) {
	conn := &fakePGConn{row: &fakeRow{err: pgx.ErrNoRows}}
	store := &PGRunStore{db: conn}

	if _, err := store.Get(context.Background(), uuid.New()); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("expected ErrNoRows in chain, got %v", err)
	}
}

func TestMigration_Idempotent(t *testing.T) {
	if !strings.Contains(MigrationPipelineRuns, "IF NOT EXISTS") {
		t.Fatal("migration must be safe to re-run")
	}
}
