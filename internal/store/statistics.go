package store

import (
	"fmt"
	"sort"
	"time"
)

const dailyRetentionDays = 90

// RequestCounters aggregates request outcomes.
type RequestCounters struct {
	Total      int64 `json:"total"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
}

// TokenCounters aggregates token usage.
type TokenCounters struct {
	TotalInput  int64 `json:"total_input"`
	TotalOutput int64 `json:"total_output"`
}

// CostCounters aggregates spend.
type CostCounters struct {
	TotalUSD float64 `json:"total_usd"`
}

// ModelCount is the per-model histogram entry.
type ModelCount struct {
	Count   int64   `json:"count"`
	CostUSD float64 `json:"cost_usd"`
}

// DailyRecord holds one UTC day of counters.
type DailyRecord struct {
	Date          string                 `json:"date"` // YYYY-MM-DD
	TotalRequests int64                  `json:"total_requests"`
	Successful    int64                  `json:"successful"`
	Failed        int64                  `json:"failed"`
	InputTokens   int64                  `json:"input_tokens"`
	OutputTokens  int64                  `json:"output_tokens"`
	CostUSD       float64                `json:"cost_usd"`
	Models        map[string]*ModelCount `json:"models"`
}

type statsDoc struct {
	Requests RequestCounters        `json:"requests"`
	Tokens   TokenCounters          `json:"tokens"`
	Costs    CostCounters           `json:"costs"`
	Models   map[string]*ModelCount `json:"models"`
	Daily    []*DailyRecord         `json:"daily"`
}

func newStatsDoc() *statsDoc {
	return &statsDoc{Models: make(map[string]*ModelCount)}
}

// StatsStore persists the singleton statistics document.
type StatsStore struct {
	file *JSONFile

	// Now is the clock used to key daily records; overridable in tests.
	Now func() time.Time
}

// NewStatsStore opens (or creates) the statistics document under dir.
func NewStatsStore(dir string) (*StatsStore, error) {
	file, err := NewJSONFile(joinStorePath(dir, "statistics"))
	if err != nil {
		return nil, err
	}
	return &StatsStore{file: file, Now: time.Now}, nil
}

// RequestRecord describes one recorded request.
type RequestRecord struct {
	Success      bool
	Model        string
	CostUSD      float64
	InputTokens  int64
	OutputTokens int64
}

// RecordRequest advances the global counters and today's day record in one
// locked write, creating the day record if absent and pruning records older
// than 90 days.
func (s *StatsStore) RecordRequest(rec RequestRecord) error {
	now := s.Now().UTC()
	today := now.Format("2006-01-02")

	doc := newStatsDoc()
	return s.file.WithLock(doc, func() error {
		if doc.Models == nil {
			doc.Models = make(map[string]*ModelCount)
		}

		doc.Requests.Total++
		if rec.Success {
			doc.Requests.Successful++
		} else {
			doc.Requests.Failed++
		}
		doc.Tokens.TotalInput += rec.InputTokens
		doc.Tokens.TotalOutput += rec.OutputTokens
		doc.Costs.TotalUSD += rec.CostUSD

		if rec.Model != "" {
			mc := doc.Models[rec.Model]
			if mc == nil {
				mc = &ModelCount{}
				doc.Models[rec.Model] = mc
			}
			mc.Count++
			mc.CostUSD += rec.CostUSD
		}

		day := findDay(doc.Daily, today)
		if day == nil {
			day = &DailyRecord{Date: today, Models: make(map[string]*ModelCount)}
			doc.Daily = append(doc.Daily, day)
		}
		if day.Models == nil {
			day.Models = make(map[string]*ModelCount)
		}
		day.TotalRequests++
		if rec.Success {
			day.Successful++
		} else {
			day.Failed++
		}
		day.InputTokens += rec.InputTokens
		day.OutputTokens += rec.OutputTokens
		day.CostUSD += rec.CostUSD
		if rec.Model != "" {
			mc := day.Models[rec.Model]
			if mc == nil {
				mc = &ModelCount{}
				day.Models[rec.Model] = mc
			}
			mc.Count++
			mc.CostUSD += rec.CostUSD
		}

		doc.Daily = pruneDaily(doc.Daily, now)
		return nil
	})
}

func findDay(daily []*DailyRecord, date string) *DailyRecord {
	for _, d := range daily {
		if d.Date == date {
			return d
		}
	}
	return nil
}

func pruneDaily(daily []*DailyRecord, now time.Time) []*DailyRecord {
	cutoff := now.AddDate(0, 0, -dailyRetentionDays).Format("2006-01-02")
	kept := daily[:0]
	for _, d := range daily {
		if d.Date >= cutoff {
			kept = append(kept, d)
		}
	}
	return kept
}

// Reset restores the document to its defaults.
func (s *StatsStore) Reset() error {
	doc := newStatsDoc()
	return s.file.WithLock(doc, func() error {
		*doc = *newStatsDoc()
		return nil
	})
}

// Summary is the global aggregate view.
type Summary struct {
	Requests RequestCounters        `json:"requests"`
	Tokens   TokenCounters          `json:"tokens"`
	Costs    CostCounters           `json:"costs"`
	Models   map[string]*ModelCount `json:"models"`
}

// GetSummary returns the global counters.
func (s *StatsStore) GetSummary() (*Summary, error) {
	doc := newStatsDoc()
	var out *Summary
	err := s.file.View(doc, func() error {
		out = &Summary{
			Requests: doc.Requests,
			Tokens:   doc.Tokens,
			Costs:    doc.Costs,
			Models:   cloneModels(doc.Models),
		}
		return nil
	})
	return out, err
}

// GetDaily returns day records sorted by date descending.
func (s *StatsStore) GetDaily(limit int) ([]*DailyRecord, error) {
	doc := newStatsDoc()
	var out []*DailyRecord
	err := s.file.View(doc, func() error {
		for _, d := range doc.Daily {
			out = append(out, cloneDay(d))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetByDateRange returns day records with start <= date <= end, ascending.
// Dates are YYYY-MM-DD.
func (s *StatsStore) GetByDateRange(start, end string) ([]*DailyRecord, error) {
	if _, err := time.Parse("2006-01-02", start); err != nil {
		return nil, fmt.Errorf("invalid start date %q: %w", start, err)
	}
	if _, err := time.Parse("2006-01-02", end); err != nil {
		return nil, fmt.Errorf("invalid end date %q: %w", end, err)
	}
	doc := newStatsDoc()
	var out []*DailyRecord
	err := s.file.View(doc, func() error {
		for _, d := range doc.Daily {
			if d.Date >= start && d.Date <= end {
				out = append(out, cloneDay(d))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// ModelUsage pairs a model tag with its histogram entry.
type ModelUsage struct {
	Model   string  `json:"model"`
	Count   int64   `json:"count"`
	CostUSD float64 `json:"cost_usd"`
}

// GetTopModels returns models sorted by request count descending.
func (s *StatsStore) GetTopModels(limit int) ([]ModelUsage, error) {
	doc := newStatsDoc()
	var out []ModelUsage
	err := s.file.View(doc, func() error {
		for model, mc := range doc.Models {
			out = append(out, ModelUsage{Model: model, Count: mc.Count, CostUSD: mc.CostUSD})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Model < out[j].Model
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneModels(models map[string]*ModelCount) map[string]*ModelCount {
	out := make(map[string]*ModelCount, len(models))
	for k, v := range models {
		c := *v
		out[k] = &c
	}
	return out
}

func cloneDay(d *DailyRecord) *DailyRecord {
	out := *d
	out.Models = cloneModels(d.Models)
	return &out
}
