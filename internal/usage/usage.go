// Package usage summarizes token usage from the agent's local session
// rollout logs.
package usage

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	// DefaultDays is the window used when the caller does not pick one.
	DefaultDays = 30
	maxDays     = 365
	topModels   = 4
	maxLineSize = 16 << 20
)

// Day is one calendar day of usage.
type Day struct {
	Day               string `json:"day"`
	InputTokens       int64  `json:"inputTokens"`
	CachedInputTokens int64  `json:"cachedInputTokens"`
	OutputTokens      int64  `json:"outputTokens"`
	TotalTokens       int64  `json:"totalTokens"`
	AgentRuns         int64  `json:"agentRuns"`
}

// Totals aggregates the window.
type Totals struct {
	Last7DaysTokens     int64   `json:"last7DaysTokens"`
	Last30DaysTokens    int64   `json:"last30DaysTokens"`
	AverageDailyTokens  int64   `json:"averageDailyTokens"`
	CacheHitRatePercent float64 `json:"cacheHitRatePercent"`
	PeakDay             *string `json:"peakDay"`
	PeakDayTokens       int64   `json:"peakDayTokens"`
}

// Model is one model's share of the window.
type Model struct {
	Model        string  `json:"model"`
	Tokens       int64   `json:"tokens"`
	SharePercent float64 `json:"sharePercent"`
}

// Snapshot is the usage summary returned to clients.
type Snapshot struct {
	UpdatedAt int64   `json:"updatedAt"`
	Days      []Day   `json:"days"`
	Totals    Totals  `json:"totals"`
	TopModels []Model `json:"topModels"`
}

// Scanner reads rollout files under an agent home.
type Scanner struct {
	home string
	now  func() time.Time
}

// NewScanner returns a Scanner for the agent home directory.
func NewScanner(home string) *Scanner {
	return &Scanner{home: home, now: time.Now}
}

// Snapshot summarizes the last days days. A non-empty workspacePath keeps
// only sessions whose working directory is at or below it.
func (s *Scanner) Snapshot(days int, workspacePath string) (*Snapshot, error) {
	if days <= 0 {
		days = DefaultDays
	}
	days = min(days, maxDays)
	now := s.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	buckets := make([]Day, days)
	index := make(map[string]int, days)
	for i := range buckets {
		d := today.AddDate(0, 0, i-days+1)
		key := d.Format(time.DateOnly)
		buckets[i].Day = key
		index[key] = i
	}
	models := map[string]int64{}
	filter := strings.TrimSpace(workspacePath)
	if filter != "" {
		filter = filepath.Clean(filter)
	}

	for i := range buckets {
		d := today.AddDate(0, 0, i-days+1)
		dir := filepath.Join(s.home, "sessions", d.Format("2006"), d.Format("01"), d.Format("02"))
		files, err := filepath.Glob(filepath.Join(dir, "rollout-*.jsonl"))
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if err := scanFile(f, buckets[i].Day, filter, buckets, index, models); err != nil {
				return nil, err
			}
		}
	}

	return summarize(buckets, models, now), nil
}

func scanFile(path, fileDay, filter string, buckets []Day, index map[string]int, models map[string]int64) error {
	f, err := os.Open(path) //nolint:gosec // G304 - files under the agent home
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open rollout: %w", err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	model := "unknown"
	matched := filter == ""
	for sc.Scan() {
		line := sc.Bytes()
		if !gjson.ValidBytes(line) {
			continue
		}
		entry := gjson.ParseBytes(line)
		payload := entry.Get("payload")
		switch entry.Get("type").String() {
		case "session_meta":
			if filter != "" {
				matched = withinPath(filter, payload.Get("cwd").String())
			}
		case "turn_context":
			if m := payload.Get("model").String(); m != "" {
				model = m
			}
		case "event_msg":
			if !matched {
				continue
			}
			i, ok := index[dayOf(entry.Get("timestamp").String(), fileDay)]
			if !ok {
				continue
			}
			switch payload.Get("type").String() {
			case "token_count":
				u := payload.Get("info.last_token_usage")
				if !u.Exists() {
					continue
				}
				total := u.Get("total_tokens").Int()
				if total == 0 {
					total = u.Get("input_tokens").Int() + u.Get("output_tokens").Int()
				}
				buckets[i].InputTokens += u.Get("input_tokens").Int()
				buckets[i].CachedInputTokens += u.Get("cached_input_tokens").Int()
				buckets[i].OutputTokens += u.Get("output_tokens").Int()
				buckets[i].TotalTokens += total
				models[model] += total
			case "user_message":
				buckets[i].AgentRuns++
			}
		}
	}
	return sc.Err()
}

// dayOf returns the local calendar day of an RFC 3339 timestamp, or
// fallback when ts does not parse.
func dayOf(ts, fallback string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return fallback
	}
	return t.Local().Format(time.DateOnly)
}

func withinPath(root, path string) bool {
	if path == "" {
		return false
	}
	rel, err := filepath.Rel(root, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func summarize(days []Day, models map[string]int64, now time.Time) *Snapshot {
	snap := &Snapshot{UpdatedAt: now.UnixMilli(), Days: days, TopModels: []Model{}}
	var input, cached, all int64
	for i, d := range days {
		age := len(days) - 1 - i
		if age < 7 {
			snap.Totals.Last7DaysTokens += d.TotalTokens
		}
		if age < 30 {
			snap.Totals.Last30DaysTokens += d.TotalTokens
		}
		if d.TotalTokens > snap.Totals.PeakDayTokens {
			snap.Totals.PeakDayTokens = d.TotalTokens
			day := d.Day
			snap.Totals.PeakDay = &day
		}
		input += d.InputTokens
		cached += d.CachedInputTokens
		all += d.TotalTokens
	}
	if len(days) > 0 {
		snap.Totals.AverageDailyTokens = all / int64(len(days))
	}
	if input > 0 {
		snap.Totals.CacheHitRatePercent = round1(float64(cached) / float64(input) * 100)
	}

	for name, tokens := range models {
		if tokens <= 0 {
			continue
		}
		share := 0.0
		if all > 0 {
			share = round1(float64(tokens) / float64(all) * 100)
		}
		snap.TopModels = append(snap.TopModels, Model{Model: name, Tokens: tokens, SharePercent: share})
	}
	sort.Slice(snap.TopModels, func(i, j int) bool {
		a, b := snap.TopModels[i], snap.TopModels[j]
		if a.Tokens != b.Tokens {
			return a.Tokens > b.Tokens
		}
		return a.Model < b.Model
	})
	if len(snap.TopModels) > topModels {
		snap.TopModels = snap.TopModels[:topModels]
	}
	return snap
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
