package store

import (
	"sync"
	"testing"
	"time"
)

func newStatsStore(t *testing.T) *StatsStore {
	t.Helper()
	s, err := NewStatsStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStatsStore: %v", err)
	}
	return s
}

func TestRecordRequestAdvancesGlobalsAndToday(t *testing.T) {
	s := newStatsStore(t)

	err := s.RecordRequest(RequestRecord{
		Success:      true,
		Model:        "sonnet",
		CostUSD:      0.01,
		InputTokens:  5,
		OutputTokens: 3,
	})
	if err != nil {
		t.Fatalf("RecordRequest: %v", err)
	}
	if err := s.RecordRequest(RequestRecord{Success: false, Model: "opus"}); err != nil {
		t.Fatalf("RecordRequest: %v", err)
	}

	summary, err := s.GetSummary()
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if summary.Requests.Total != 2 || summary.Requests.Successful != 1 || summary.Requests.Failed != 1 {
		t.Fatalf("requests = %+v", summary.Requests)
	}
	if summary.Tokens.TotalInput != 5 || summary.Tokens.TotalOutput != 3 {
		t.Fatalf("tokens = %+v", summary.Tokens)
	}
	if summary.Costs.TotalUSD != 0.01 {
		t.Fatalf("costs = %+v", summary.Costs)
	}
	if summary.Models["sonnet"].Count != 1 || summary.Models["opus"].Count != 1 {
		t.Fatalf("models = %+v", summary.Models)
	}

	daily, err := s.GetDaily(0)
	if err != nil {
		t.Fatalf("GetDaily: %v", err)
	}
	if len(daily) != 1 {
		t.Fatalf("daily records = %d, want 1", len(daily))
	}
	today := daily[0]
	if today.TotalRequests != 2 || today.Successful != 1 || today.Failed != 1 {
		t.Fatalf("today = %+v", today)
	}
	if today.Models["sonnet"].Count != 1 {
		t.Fatalf("today models = %+v", today.Models)
	}
}

func TestRecordRequestConcurrent(t *testing.T) {
	s := newStatsStore(t)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			model := "sonnet"
			if i%2 == 1 {
				model = "opus"
			}
			if err := s.RecordRequest(RequestRecord{Success: true, Model: model}); err != nil {
				t.Errorf("RecordRequest: %v", err)
			}
		}(i)
	}
	wg.Wait()

	summary, err := s.GetSummary()
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if summary.Requests.Total != n {
		t.Fatalf("total = %d, want %d", summary.Requests.Total, n)
	}
	var modelSum int64
	for _, mc := range summary.Models {
		modelSum += mc.Count
	}
	if modelSum != n {
		t.Fatalf("sum(models.count) = %d, want %d", modelSum, n)
	}
}

func TestDailyRollOverMidnight(t *testing.T) {
	s := newStatsStore(t)

	s.Now = func() time.Time {
		return time.Date(2026, 3, 1, 23, 59, 59, 0, time.UTC)
	}
	if err := s.RecordRequest(RequestRecord{Success: true, Model: "sonnet"}); err != nil {
		t.Fatalf("RecordRequest: %v", err)
	}

	s.Now = func() time.Time {
		return time.Date(2026, 3, 2, 0, 0, 1, 0, time.UTC)
	}
	if err := s.RecordRequest(RequestRecord{Success: true, Model: "sonnet"}); err != nil {
		t.Fatalf("RecordRequest: %v", err)
	}

	daily, err := s.GetDaily(0)
	if err != nil {
		t.Fatalf("GetDaily: %v", err)
	}
	if len(daily) != 2 {
		t.Fatalf("daily records = %d, want 2", len(daily))
	}
	// Newest first.
	if daily[0].Date != "2026-03-02" || daily[1].Date != "2026-03-01" {
		t.Fatalf("dates = %s, %s", daily[0].Date, daily[1].Date)
	}
	for _, d := range daily {
		if d.TotalRequests != 1 {
			t.Fatalf("day %s total = %d, want 1", d.Date, d.TotalRequests)
		}
	}
}

func TestDailyPruneNinetyDays(t *testing.T) {
	s := newStatsStore(t)

	s.Now = func() time.Time {
		return time.Date(2025, 11, 1, 12, 0, 0, 0, time.UTC)
	}
	if err := s.RecordRequest(RequestRecord{Success: true}); err != nil {
		t.Fatalf("RecordRequest: %v", err)
	}

	// 120 days later the old record must be pruned by the next write.
	s.Now = func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	}
	if err := s.RecordRequest(RequestRecord{Success: true}); err != nil {
		t.Fatalf("RecordRequest: %v", err)
	}

	daily, _ := s.GetDaily(0)
	if len(daily) != 1 {
		t.Fatalf("daily records = %d, want 1 after prune", len(daily))
	}
	if daily[0].Date != "2026-03-01" {
		t.Fatalf("surviving date = %s", daily[0].Date)
	}

	// Global counters are untouched by pruning.
	summary, _ := s.GetSummary()
	if summary.Requests.Total != 2 {
		t.Fatalf("total = %d, want 2", summary.Requests.Total)
	}
}

func TestGetByDateRange(t *testing.T) {
	s := newStatsStore(t)
	for day := 1; day <= 3; day++ {
		d := day
		s.Now = func() time.Time {
			return time.Date(2026, 3, d, 12, 0, 0, 0, time.UTC)
		}
		if err := s.RecordRequest(RequestRecord{Success: true}); err != nil {
			t.Fatalf("RecordRequest: %v", err)
		}
	}

	records, err := s.GetByDateRange("2026-03-01", "2026-03-02")
	if err != nil {
		t.Fatalf("GetByDateRange: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len = %d, want 2", len(records))
	}
	if records[0].Date != "2026-03-01" || records[1].Date != "2026-03-02" {
		t.Fatalf("order = %s, %s", records[0].Date, records[1].Date)
	}

	if _, err := s.GetByDateRange("yesterday", "2026-03-02"); err == nil {
		t.Fatal("invalid start date accepted")
	}
}

func TestGetTopModels(t *testing.T) {
	s := newStatsStore(t)
	for i := 0; i < 3; i++ {
		s.RecordRequest(RequestRecord{Success: true, Model: "sonnet", CostUSD: 0.01})
	}
	s.RecordRequest(RequestRecord{Success: true, Model: "opus", CostUSD: 0.10})

	top, err := s.GetTopModels(1)
	if err != nil {
		t.Fatalf("GetTopModels: %v", err)
	}
	if len(top) != 1 || top[0].Model != "sonnet" || top[0].Count != 3 {
		t.Fatalf("top = %+v", top)
	}
}

func TestStatsReset(t *testing.T) {
	s := newStatsStore(t)
	s.RecordRequest(RequestRecord{Success: true, Model: "sonnet"})
	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	summary, _ := s.GetSummary()
	if summary.Requests.Total != 0 || len(summary.Models) != 0 {
		t.Fatalf("summary after reset = %+v", summary)
	}
}
