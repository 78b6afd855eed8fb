package ledger

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ---- mock DB -----------------------------------------------------------------

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

type mockRows struct {
	data [][]any
	idx  int
	err  error
}

func (r *mockRows) Close()                                       {}
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *time.Time:
			*d = v.(time.Time)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

type execCall struct {
	sql  string
	args []any
}

type mockDB struct {
	execs    []execCall
	execErr  error
	rows     *mockRows
	queryErr error
	row      *mockRow
}

func (m *mockDB) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row { return m.row }

func (m *mockDB) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	return m.rows, nil
}

func (m *mockDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.execs = append(m.execs, execCall{sql: sql, args: args})
	return pgconn.CommandTag{}, m.execErr
}

// ---- tests -------------------------------------------------------------------

func TestPostgresStore_Migrate(t *testing.T) {
	db := &mockDB{}
	if err := NewPostgresStore(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if len(db.execs) != 1 || !strings.Contains(db.execs[0].sql, "learn_observations") {
		t.Errorf("execs = %+v", db.execs)
	}

	db.execErr = errors.New("denied")
	if err := NewPostgresStore(db).Migrate(context.Background()); err == nil {
		t.Error("expected migrate error")
	}
}

func TestPostgresStore_Append(t *testing.T) {
	db := &mockDB{}
	at := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	obs := Observation{Scene: "咖啡店", Expected: "咖啡", Actual: "咖灰", At: at}
	if err := NewPostgresStore(db).Append(context.Background(), "dev", "2026-04-01", obs); err != nil {
		t.Fatalf("Append: %v", err)
	}
	want := []any{"dev", "2026-04-01", "咖啡店", "咖啡", "咖灰", at}
	if !reflect.DeepEqual(db.execs[0].args, want) {
		t.Errorf("args = %v, want %v", db.execs[0].args, want)
	}
}

func TestPostgresStore_Days(t *testing.T) {
	db := &mockDB{rows: &mockRows{data: [][]any{
		{"2026-04-01", "问候", "你好", "你号"},
		{"2026-04-02", "咖啡店", "咖啡", "咖灰"},
		{"2026-04-02", "咖啡店", "咖啡", "咖飞"},
	}}}
	days, err := NewPostgresStore(db).Days(context.Background(), "dev")
	if err != nil {
		t.Fatalf("Days: %v", err)
	}
	want := []Day{
		{Date: "2026-04-01", Situations: Situations{"问候": {"你好": {"你号"}}}},
		{Date: "2026-04-02", Situations: Situations{"咖啡店": {"咖啡": {"咖灰", "咖飞"}}}},
	}
	if !reflect.DeepEqual(days, want) {
		t.Errorf("Days() = %+v, want %+v", days, want)
	}
}

func TestPostgresStore_DaysErrors(t *testing.T) {
	s := NewPostgresStore(&mockDB{queryErr: errors.New("down")})
	if _, err := s.Days(context.Background(), "dev"); err == nil {
		t.Error("expected query error")
	}
	s = NewPostgresStore(&mockDB{rows: &mockRows{err: errors.New("broken cursor")}})
	if _, err := s.Days(context.Background(), "dev"); err == nil {
		t.Error("expected rows error")
	}
}

func TestPostgresStore_SceneTimes(t *testing.T) {
	at := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	db := &mockDB{rows: &mockRows{data: [][]any{{"咖啡店", at}}}}
	got, err := NewPostgresStore(db).SceneTimes(context.Background(), "dev")
	if err != nil {
		t.Fatalf("SceneTimes: %v", err)
	}
	if !got["咖啡店"].Equal(at) {
		t.Errorf("SceneTimes() = %v", got)
	}
}

func TestPostgresStore_TitleUpdated(t *testing.T) {
	at := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		scan    func(dest ...any) error
		wantOK  bool
		wantErr bool
	}{
		{
			name:   "present",
			scan:   func(dest ...any) error { *dest[0].(*time.Time) = at; return nil },
			wantOK: true,
		},
		{
			name: "absent",
			scan: func(...any) error { return pgx.ErrNoRows },
		},
		{
			name:    "failure",
			scan:    func(...any) error { return errors.New("down") },
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewPostgresStore(&mockDB{row: &mockRow{scanFunc: tt.scan}})
			got, ok, err := s.TitleUpdated(context.Background(), "dev")
			if (err != nil) != tt.wantErr || ok != tt.wantOK {
				t.Fatalf("TitleUpdated() = %v, %v, %v", got, ok, err)
			}
			if ok && !got.Equal(at) {
				t.Errorf("time = %v", got)
			}
		})
	}
}

func TestPostgresStore_SetTitleUpdated(t *testing.T) {
	db := &mockDB{}
	at := time.Now()
	if err := NewPostgresStore(db).SetTitleUpdated(context.Background(), "dev", at); err != nil {
		t.Fatalf("SetTitleUpdated: %v", err)
	}
	if !strings.Contains(db.execs[0].sql, "ON CONFLICT") {
		t.Errorf("sql = %s", db.execs[0].sql)
	}
}
