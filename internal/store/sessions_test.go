package store

import (
	"errors"
	"testing"
	"time"
)

func newSessionStore(t *testing.T) *SessionStore {
	t.Helper()
	s, err := NewSessionStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}
	return s
}

func TestSessionCreateGet(t *testing.T) {
	s := newSessionStore(t)

	created, err := s.Create(CreateSessionInput{
		ProjectPath: "/tmp/project",
		Model:       "sonnet",
		Metadata:    map[string]any{"origin": "test"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == "" {
		t.Fatal("empty session id")
	}
	if created.Status != SessionActive {
		t.Fatalf("status = %q, want active", created.Status)
	}

	got, err := s.Get(created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ProjectPath != "/tmp/project" || got.Model != "sonnet" {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if got.Metadata["origin"] != "test" {
		t.Fatalf("metadata lost: %+v", got.Metadata)
	}
	if got.UpdatedAt.Before(got.CreatedAt) {
		t.Fatal("updated_at before created_at")
	}
}

func TestSessionGetUnknown(t *testing.T) {
	s := newSessionStore(t)
	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSessionReloadFromDisk(t *testing.T) {
	s := newSessionStore(t)
	created, err := s.Create(CreateSessionInput{ProjectPath: "/p", Model: "m"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// A fresh store over the same file sees the committed record.
	reopened, err := NewSessionStore(sDirOf(s))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Get(created.ID)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.ID != created.ID || !got.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("roundtrip mismatch: got %+v want %+v", got, created)
	}
}

// sDirOf recovers the data dir from a store's document path.
func sDirOf(s *SessionStore) string {
	path := s.file.Path()
	// dataDir/sessions/sessions.json
	return path[:len(path)-len("/sessions/sessions.json")]
}

func TestSessionUpdateStatus(t *testing.T) {
	s := newSessionStore(t)
	created, _ := s.Create(CreateSessionInput{ProjectPath: "/p"})

	archived := SessionArchived
	updated, err := s.Update(created.ID, SessionPatch{Status: &archived})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Status != SessionArchived {
		t.Fatalf("status = %q, want archived", updated.Status)
	}

	bogus := "sleeping"
	if _, err := s.Update(created.ID, SessionPatch{Status: &bogus}); err == nil {
		t.Fatal("invalid status accepted")
	}
}

func TestSessionCountersMonotonic(t *testing.T) {
	s := newSessionStore(t)
	created, _ := s.Create(CreateSessionInput{ProjectPath: "/p"})

	if err := s.AddCost(created.ID, 0.25); err != nil {
		t.Fatalf("AddCost: %v", err)
	}
	if err := s.AddCost(created.ID, 0.50); err != nil {
		t.Fatalf("AddCost: %v", err)
	}
	if err := s.AddCost(created.ID, -0.10); err == nil {
		t.Fatal("negative cost delta accepted")
	}
	if err := s.IncrementMessages(created.ID); err != nil {
		t.Fatalf("IncrementMessages: %v", err)
	}

	got, _ := s.Get(created.ID)
	if got.TotalCostUSD != 0.75 {
		t.Fatalf("total_cost_usd = %v, want 0.75", got.TotalCostUSD)
	}
	if got.MessagesCount != 1 {
		t.Fatalf("messages_count = %d, want 1", got.MessagesCount)
	}
}

func TestSessionListSortAndFilter(t *testing.T) {
	s := newSessionStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	i := 0
	s.now = func() time.Time {
		i++
		return base.Add(time.Duration(i) * time.Second)
	}

	a, _ := s.Create(CreateSessionInput{ProjectPath: "/a"})
	b, _ := s.Create(CreateSessionInput{ProjectPath: "/b"})
	c, _ := s.Create(CreateSessionInput{ProjectPath: "/a"})

	all, err := s.List(SessionFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	// Newest update first.
	if all[0].ID != c.ID || all[2].ID != a.ID {
		t.Fatalf("unexpected order: %s %s %s", all[0].ID, all[1].ID, all[2].ID)
	}

	// Touch a so it sorts first.
	if err := s.IncrementMessages(a.ID); err != nil {
		t.Fatalf("IncrementMessages: %v", err)
	}
	all, _ = s.List(SessionFilter{})
	if all[0].ID != a.ID {
		t.Fatalf("touched session not first: %s", all[0].ID)
	}

	byPath, _ := s.List(SessionFilter{ProjectPath: "/a"})
	if len(byPath) != 2 {
		t.Fatalf("filtered len = %d, want 2", len(byPath))
	}

	limited, _ := s.List(SessionFilter{Limit: 1})
	if len(limited) != 1 {
		t.Fatalf("limited len = %d, want 1", len(limited))
	}
	_ = b
}

func TestSessionSearch(t *testing.T) {
	s := newSessionStore(t)
	tagged, _ := s.Create(CreateSessionInput{
		ProjectPath: "/p",
		Metadata:    map[string]any{"ticket": "JIRA-1234"},
	})
	other, _ := s.Create(CreateSessionInput{ProjectPath: "/p"})

	byMeta, err := s.Search("jira-12", 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(byMeta) != 1 || byMeta[0].ID != tagged.ID {
		t.Fatalf("metadata search failed: %+v", byMeta)
	}

	byID, _ := s.Search(other.ID[:8], 0)
	found := false
	for _, sess := range byID {
		if sess.ID == other.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("id prefix search missed session %s", other.ID)
	}
}

func TestSessionCleanup(t *testing.T) {
	s := newSessionStore(t)

	old := time.Now().UTC().AddDate(0, 0, -60)
	s.now = func() time.Time { return old }
	stale, _ := s.Create(CreateSessionInput{ProjectPath: "/old"})

	s.now = time.Now
	fresh, _ := s.Create(CreateSessionInput{ProjectPath: "/new"})

	removed, err := s.Cleanup(30)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := s.Get(stale.ID); !errors.Is(err, ErrNotFound) {
		t.Fatal("stale session survived cleanup")
	}
	if _, err := s.Get(fresh.ID); err != nil {
		t.Fatalf("fresh session removed: %v", err)
	}
}
