package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/echojourney/internal/ledger"
)

func clockAt(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func TestFileStore_RecordAndReport(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	day1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.Local)
	day2 := day1.AddDate(0, 0, 1)

	l := ledger.New(ledger.NewFileStore(root), ledger.WithClock(clockAt(day1)))
	if err := l.Record(ctx, "dev-1", "咖啡店", "咖啡", "咖灰"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	l = ledger.New(ledger.NewFileStore(root), ledger.WithClock(clockAt(day2)))
	for _, pron := range []string{"咖灰", "咖飞"} {
		if err := l.Record(ctx, "dev-1", "咖啡店", "咖啡", pron); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	for _, name := range []string{"2026-03-01.json", "2026-03-02.json", "scene_2_timestamp.json"} {
		if _, err := os.Stat(filepath.Join(root, "dev-1", "learn_situation", name)); err != nil {
			t.Errorf("expected file %s: %v", name, err)
		}
	}

	rep, err := l.Report(ctx, "dev-1")
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if len(rep.Days) != 2 || rep.Days[0].Date != "2026-03-01" || rep.Days[1].Date != "2026-03-02" {
		t.Fatalf("days = %+v", rep.Days)
	}
	want := ledger.Situations{"咖啡店": {"咖啡": {"咖灰", "咖飞"}}}
	if !reflect.DeepEqual(rep.Days[1].Situations, want) {
		t.Errorf("latest day = %v, want %v", rep.Days[1].Situations, want)
	}
	if got := rep.SceneTimes["咖啡店"]; !got.Equal(day2) {
		t.Errorf("scene time = %v, want %v", got, day2)
	}
	if !rep.TitleUpdated.IsZero() || !rep.ShouldRefreshTitle() {
		t.Errorf("title: updated=%v refresh=%v", rep.TitleUpdated, rep.ShouldRefreshTitle())
	}

	if err := ledger.New(ledger.NewFileStore(root), ledger.WithClock(clockAt(day2.Add(time.Hour)))).MarkTitleUpdated(ctx, "dev-1"); err != nil {
		t.Fatalf("MarkTitleUpdated: %v", err)
	}
	rep, _ = l.Report(ctx, "dev-1")
	if rep.ShouldRefreshTitle() {
		t.Error("title refreshed after the last mistake must not need a refresh")
	}
}

func TestFileStore_UnknownUserIsEmpty(t *testing.T) {
	l := ledger.New(ledger.NewFileStore(t.TempDir()))
	rep, err := l.Report(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if !rep.Empty() || rep.Weakness() != ledger.NoHistory {
		t.Errorf("report = %+v", rep)
	}
	if _, ok := rep.LatestMistake(nil); ok {
		t.Error("LatestMistake on empty history must report false")
	}
}

func TestFileStore_CorruptDay(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "dev", "learn_situation")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "2026-01-01.json"), []byte("{oops"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ledger.New(ledger.NewFileStore(root)).Report(context.Background(), "dev"); err == nil {
		t.Fatal("expected error for corrupt day file")
	}
}

func TestFileStore_NullScene(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "dev", "learn_situation")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "2026-01-01.json"), []byte(`{"咖啡店": null}`), 0o644); err != nil {
		t.Fatal(err)
	}

	l := ledger.New(ledger.NewFileStore(root), ledger.WithClock(clockAt(time.Date(2026, 1, 1, 9, 0, 0, 0, time.Local))))
	if err := l.Record(context.Background(), "dev", "咖啡店", "咖啡", "咖灰"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	rep, err := l.Report(context.Background(), "dev")
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	want := ledger.Situations{"咖啡店": {"咖啡": {"咖灰"}}}
	if len(rep.Days) != 1 || !reflect.DeepEqual(rep.Days[0].Situations, want) {
		t.Errorf("days = %+v, want %v", rep.Days, want)
	}
}

func TestLedger_InvalidUser(t *testing.T) {
	l := ledger.New(ledger.NewFileStore(t.TempDir()))
	for _, user := range []string{"", "..", "a/b", `a\b`} {
		if err := l.Record(context.Background(), user, "s", "a", "b"); !errors.Is(err, ledger.ErrInvalidUser) {
			t.Errorf("Record(%q) error = %v, want ErrInvalidUser", user, err)
		}
	}
}

func TestLedger_ConcurrentRecordsOfOneUser(t *testing.T) {
	l := ledger.New(ledger.NewFileStore(t.TempDir()), ledger.WithClock(clockAt(time.Date(2026, 5, 5, 9, 0, 0, 0, time.Local))))
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Record(ctx, "dev", "场景", "你好", fmt.Sprintf("attempt-%d", i)); err != nil {
				t.Errorf("Record: %v", err)
			}
		}()
	}
	wg.Wait()

	rep, err := l.Report(ctx, "dev")
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if got := len(rep.Days[0].Situations["场景"]["你好"]); got != n {
		t.Errorf("recorded %d observations, want %d", got, n)
	}
}
