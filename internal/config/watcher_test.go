package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/echojourney/internal/config"
)

const baseYAML = `
server:
  log_level: info
providers:
  llm:
    name: openai
  stt:
    name: whisper
ledger:
  dir: /var/lib/echojourney
tutor:
  success_score: 90
`

const debugYAML = `
server:
  log_level: debug
providers:
  llm:
    name: openai
  stt:
    name: whisper
ledger:
  dir: /var/lib/echojourney
tutor:
  success_score: 80
`

const brokenYAML = `
server:
  log_level: bananas
`

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// startWatcher runs w until the test ends.
func startWatcher(t *testing.T, w *config.Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	})
}

func TestWatcher_FirstLoad(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, cfgPath, baseYAML)

	w, err := config.NewWatcher(cfgPath, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	cfg := w.Current()
	if cfg == nil {
		t.Fatal("no config after the first load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log level = %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if w.Reloads() != 0 {
		t.Errorf("Reloads() = %d before any change", w.Reloads())
	}
}

func TestWatcher_AppliesDiff(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, cfgPath, baseYAML)

	diffs := make(chan config.ConfigDiff, 1)
	w, err := config.NewWatcher(cfgPath, func(d config.ConfigDiff, _ *config.Config) error {
		diffs <- d
		return nil
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	startWatcher(t, w)

	writeConfig(t, cfgPath, debugYAML)

	var d config.ConfigDiff
	select {
	case d = <-diffs:
	case <-time.After(2 * time.Second):
		t.Fatal("apply was not called within timeout")
	}
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %+v", d)
	}
	if !d.TutorChanged || d.NewTutor.SuccessScore != 80 {
		t.Errorf("tutor diff = %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v", d.RestartRequired)
	}

	waitFor(t, func() bool { return w.Reloads() == 1 })
	if cur := w.Current(); cur.Server.LogLevel != config.LogDebug {
		t.Errorf("current log level = %q, want %q", cur.Server.LogLevel, config.LogDebug)
	}
}

func TestWatcher_BrokenFileIsIgnored(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, cfgPath, baseYAML)

	var applied atomic.Int32
	w, err := config.NewWatcher(cfgPath, func(config.ConfigDiff, *config.Config) error {
		applied.Add(1)
		return nil
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	startWatcher(t, w)

	writeConfig(t, cfgPath, brokenYAML)
	time.Sleep(200 * time.Millisecond)

	if n := applied.Load(); n != 0 {
		t.Errorf("apply called %d times for an invalid config", n)
	}
	if cur := w.Current(); cur.Server.LogLevel != config.LogInfo {
		t.Errorf("config replaced by a broken file: log level %q", cur.Server.LogLevel)
	}

	// A later valid edit is still picked up.
	writeConfig(t, cfgPath, debugYAML)
	waitFor(t, func() bool { return applied.Load() == 1 })
}

func TestWatcher_RejectedReloadKeepsBase(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, cfgPath, baseYAML)

	var applied atomic.Int32
	w, err := config.NewWatcher(cfgPath, func(config.ConfigDiff, *config.Config) error {
		applied.Add(1)
		return errors.New("sessions refused the tutor settings")
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	startWatcher(t, w)

	writeConfig(t, cfgPath, debugYAML)
	waitFor(t, func() bool { return applied.Load() >= 1 })

	if w.Reloads() != 0 {
		t.Errorf("Reloads() = %d after a rejected reload", w.Reloads())
	}
	if cur := w.Current(); cur.Tutor.SuccessScore != 90 {
		t.Errorf("Current() success_score = %d, want 90", cur.Tutor.SuccessScore)
	}
}

func TestWatcher_FirstLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("missing file loaded without error")
	}

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, cfgPath, brokenYAML)
	if _, err := config.NewWatcher(cfgPath, nil); err == nil {
		t.Fatal("expected error for an invalid initial config")
	}
}

func TestWatcher_TouchOnly(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, cfgPath, baseYAML)

	var applied atomic.Int32
	w, err := config.NewWatcher(cfgPath, func(config.ConfigDiff, *config.Config) error {
		applied.Add(1)
		return nil
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	startWatcher(t, w)

	now := time.Now().Add(time.Second)
	if err := os.Chtimes(cfgPath, now, now); err != nil {
		t.Fatalf("touch: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	if n := applied.Load(); n != 0 {
		t.Errorf("apply should not fire for touch-only, got %d calls", n)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
