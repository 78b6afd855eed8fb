package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

const (
	situationDir   = "learn_situation"
	sceneTimesFile = "scene_2_timestamp.json"
	titleFile      = "update.json"
)

// FileStore keeps the history under root as
//
//	<root>/<user>/learn_situation/<YYYY-MM-DD>.json
//	<root>/<user>/learn_situation/scene_2_timestamp.json
//	<root>/<user>/learn_situation/update.json
//
// Day files hold {scene: {word: [mispronunciations]}}; timestamps are Unix
// seconds. Every update rewrites the affected files.
type FileStore struct {
	root string
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a FileStore rooted at root.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

func (s *FileStore) dir(user string) string {
	return filepath.Join(s.root, user, situationDir)
}

// Append implements Store.
func (s *FileStore) Append(_ context.Context, user, date string, obs Observation) error {
	if err := ValidateUser(user); err != nil {
		return err
	}
	if _, err := time.Parse(DateLayout, date); err != nil {
		return fmt.Errorf("ledger: bad date %q: %w", date, err)
	}
	dir := s.dir(user)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ledger: create %s: %w", dir, err)
	}

	day := Situations{}
	dayPath := filepath.Join(dir, date+".json")
	if err := readJSON(dayPath, &day); err != nil {
		return err
	}
	day.Add(obs.Scene, obs.Expected, obs.Actual)
	if err := writeJSON(dayPath, day); err != nil {
		return err
	}

	times := map[string]float64{}
	timesPath := filepath.Join(dir, sceneTimesFile)
	if err := readJSON(timesPath, &times); err != nil {
		return err
	}
	times[obs.Scene] = unixSeconds(obs.At)
	return writeJSON(timesPath, times)
}

// Days implements Store.
func (s *FileStore) Days(_ context.Context, user string) ([]Day, error) {
	if err := ValidateUser(user); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir(user))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: list days: %w", err)
	}

	var days []Day
	for _, e := range entries {
		name := e.Name()
		date, ok := strings.CutSuffix(name, ".json")
		if e.IsDir() || !ok {
			continue
		}
		if _, err := time.Parse(DateLayout, date); err != nil {
			continue
		}
		sit := Situations{}
		if err := readJSON(filepath.Join(s.dir(user), name), &sit); err != nil {
			return nil, err
		}
		days = append(days, Day{Date: date, Situations: sit})
	}
	slices.SortFunc(days, func(a, b Day) int { return strings.Compare(a.Date, b.Date) })
	return days, nil
}

// SceneTimes implements Store.
func (s *FileStore) SceneTimes(_ context.Context, user string) (map[string]time.Time, error) {
	if err := ValidateUser(user); err != nil {
		return nil, err
	}
	raw := map[string]float64{}
	if err := readJSON(filepath.Join(s.dir(user), sceneTimesFile), &raw); err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(raw))
	for scene, sec := range raw {
		out[scene] = fromUnixSeconds(sec)
	}
	return out, nil
}

type titleDoc struct {
	UpdateTime *float64 `json:"update_time"`
}

// TitleUpdated implements Store.
func (s *FileStore) TitleUpdated(_ context.Context, user string) (time.Time, bool, error) {
	if err := ValidateUser(user); err != nil {
		return time.Time{}, false, err
	}
	var doc titleDoc
	if err := readJSON(filepath.Join(s.dir(user), titleFile), &doc); err != nil {
		return time.Time{}, false, err
	}
	if doc.UpdateTime == nil {
		return time.Time{}, false, nil
	}
	return fromUnixSeconds(*doc.UpdateTime), true, nil
}

// SetTitleUpdated implements Store.
func (s *FileStore) SetTitleUpdated(_ context.Context, user string, at time.Time) error {
	if err := ValidateUser(user); err != nil {
		return err
	}
	dir := s.dir(user)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ledger: create %s: %w", dir, err)
	}
	sec := unixSeconds(at)
	return writeJSON(filepath.Join(dir, titleFile), titleDoc{UpdateTime: &sec})
}

// readJSON decodes path into v. A missing file leaves v untouched.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ledger: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("ledger: decode %s: %w", path, err)
	}
	return nil
}

// writeJSON replaces path atomically.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("ledger: encode %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("ledger: write %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("ledger: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("ledger: write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("ledger: write %s: %w", path, err)
	}
	return nil
}

func unixSeconds(t time.Time) float64 {
	return math.Round(float64(t.UnixMilli())) / 1000
}

func fromUnixSeconds(sec float64) time.Time {
	return time.UnixMilli(int64(math.Round(sec * 1000)))
}
