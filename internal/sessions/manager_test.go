package sessions

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestManager(storage string) (*Manager, *time.Time) {
	m := NewManager(storage)
	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	n := 0
	m.newID = func() string { n++; return fmt.Sprintf("thread-%d", n) }
	return m, &clock
}

func TestTouchCreatesThreadOnce(t *testing.T) {
	m, _ := newTestManager("")
	key := ChannelKey("support", "slack", "C1")

	s, created := m.Touch(key, "C1", true)
	if !created || s.ThreadID != "thread-1" || s.MessageCount != 1 {
		t.Fatalf("first touch = %+v created=%v", s, created)
	}
	s, created = m.Touch(key, "C1", true)
	if created || s.ThreadID != "thread-1" || s.MessageCount != 2 {
		t.Fatalf("second touch = %+v created=%v", s, created)
	}
	if s.AgentID != "support" || s.Platform != "slack" || s.ChannelID != "C1" {
		t.Errorf("session fields = %+v", s)
	}
}

func TestTouchWithoutAutoCreate(t *testing.T) {
	m, _ := newTestManager("")
	key := DMKey("main", "discord", "42")

	s, created := m.Touch(key, "D1", false)
	if created || s.ThreadID != "" {
		t.Fatalf("touch = %+v created=%v, want no thread", s, created)
	}
	if _, ok := m.FindThread(key.String()); ok {
		t.Error("FindThread found a thread that was never created")
	}

	m.LinkThread(key, "D1", "external")
	s, created = m.Touch(key, "D1", true)
	if created || s.ThreadID != "external" {
		t.Errorf("linked thread replaced: %+v created=%v", s, created)
	}
}

func TestThreadCountByPlatform(t *testing.T) {
	m, _ := newTestManager("")
	m.Touch(ChannelKey("a", "slack", "C1"), "C1", true)
	m.Touch(ChannelKey("a", "slack", "C2"), "C2", false)
	m.Touch(ChannelKey("a", "telegram", "-100"), "-100", true)

	if got := m.ThreadCount(""); got != 2 {
		t.Errorf("ThreadCount(all) = %d, want 2", got)
	}
	if got := m.ThreadCount("slack"); got != 1 {
		t.Errorf("ThreadCount(slack) = %d, want 1", got)
	}
	if got := m.Len(); got != 3 {
		t.Errorf("Len = %d, want 3", got)
	}
}

func TestListFiltersAndOrders(t *testing.T) {
	m, clock := newTestManager("")
	m.Touch(ChannelKey("a", "slack", "C1"), "C1", false)
	*clock = clock.Add(time.Minute)
	m.Touch(ChannelKey("b", "slack", "C2"), "C2", false)
	*clock = clock.Add(time.Minute)
	m.Touch(ChannelKey("a", "discord", "D1"), "D1", false)

	all := m.List(ListFilter{})
	if len(all) != 3 || all[0].ChannelID != "D1" || all[2].ChannelID != "C1" {
		t.Fatalf("List() order = %+v", all)
	}
	if got := m.List(ListFilter{AgentID: "a"}); len(got) != 2 {
		t.Errorf("List(agent a) = %d sessions, want 2", len(got))
	}
	if got := m.List(ListFilter{Platform: "slack", AgentID: "b"}); len(got) != 1 || got[0].AgentID != "b" {
		t.Errorf("List(slack, b) = %+v", got)
	}
	if got := m.List(ListFilter{Platform: "telegram"}); got == nil || len(got) != 0 {
		t.Errorf("List(telegram) = %#v, want empty non-nil", got)
	}
}

func TestPruneIdle(t *testing.T) {
	m, clock := newTestManager("")
	m.Touch(ChannelKey("a", "slack", "old"), "old", true)
	*clock = clock.Add(2 * time.Hour)
	m.Touch(ChannelKey("a", "slack", "new"), "new", true)

	if n := m.Prune(clock.Add(-time.Hour)); n != 1 {
		t.Fatalf("Prune = %d, want 1", n)
	}
	if _, ok := m.Get(ChannelKey("a", "slack", "old").String()); ok {
		t.Error("idle session survived prune")
	}
	if _, ok := m.Get(ChannelKey("a", "slack", "new").String()); !ok {
		t.Error("active session pruned")
	}
}

func TestDeleteUnknown(t *testing.T) {
	m, _ := newTestManager("")
	if err := m.Delete("agent:x:slack:default:channel:C1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete(unknown) = %v, want ErrNotFound", err)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestManager(dir)
	key := ChannelKey("support", "telegram", "-100123")
	m.Touch(key, "-100123", true)
	if err := m.Save(key.String()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded := NewManager(dir)
	s, ok := reloaded.Get(key.String())
	if !ok {
		t.Fatal("session not reloaded from disk")
	}
	if s.ThreadID != "thread-1" || s.MessageCount != 1 || s.Platform != "telegram" {
		t.Errorf("reloaded = %+v", s)
	}

	if err := reloaded.Delete(key.String()); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if NewManager(dir).Len() != 0 {
		t.Error("session file not removed on delete")
	}
}
