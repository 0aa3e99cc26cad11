package session

import (
	"errors"
	"testing"
	"time"

	"chatrelay/internal/launcher"
	"chatrelay/internal/models"
)

func newTestManager(t *testing.T, maxSessions int) *Manager {
	t.Helper()
	l := launcher.New(launcher.Config{
		Command:     writeAgent(t),
		PromptFlag:  "-p",
		GracePeriod: 500 * time.Millisecond,
	}, nil)
	mgr := NewManager(maxSessions, Deps{
		Starter:   l,
		Workspace: fixedWorkspace(t.TempDir()),
		Models:    testRegistry(),
	})
	t.Cleanup(mgr.Shutdown)
	return mgr
}

func TestManager_Create(t *testing.T) {
	mgr := newTestManager(t, 10)

	o, err := mgr.Create(CreateOptions{Name: "Scratch", Model: "GPT-5"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	snap := o.Snapshot()
	if snap.ID == "" {
		t.Error("expected generated id")
	}
	if snap.Name != "Scratch" || snap.Model != "gpt-5" {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Workspace == "" {
		t.Error("workspace should default to the provider's current directory")
	}
	if snap.Messages == nil || len(snap.Messages) != 0 {
		t.Errorf("Messages = %v, want empty non-nil slice", snap.Messages)
	}
}

func TestManager_CreateDefaults(t *testing.T) {
	mgr := newTestManager(t, 10)

	o, err := mgr.Create(CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	snap := o.Snapshot()
	if snap.Name != "New Chat" || snap.Model != "claude-sonnet-4" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestManager_CreateUnknownModel(t *testing.T) {
	mgr := newTestManager(t, 10)

	_, err := mgr.Create(CreateOptions{Model: "gpt-9"})
	if !errors.Is(err, models.ErrUnknownModel) {
		t.Fatalf("Create = %v, want ErrUnknownModel", err)
	}
	if len(mgr.List()) != 0 {
		t.Error("failed Create should not register a session")
	}
}

func TestManager_CreateDuplicateID(t *testing.T) {
	mgr := newTestManager(t, 10)

	if _, err := mgr.Create(CreateOptions{ID: "same"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := mgr.Create(CreateOptions{ID: "same"}); err == nil {
		t.Fatal("expected error for duplicate id")
	}
}

func TestManager_MaxSessionsLimit(t *testing.T) {
	mgr := newTestManager(t, 1)

	if _, err := mgr.Create(CreateOptions{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := mgr.Create(CreateOptions{})
	if !errors.Is(err, ErrMaxSessions) {
		t.Fatalf("Create over limit = %v, want ErrMaxSessions", err)
	}
	if _, _, err := mgr.GetOrCreate("another"); !errors.Is(err, ErrMaxSessions) {
		t.Fatalf("GetOrCreate over limit = %v, want ErrMaxSessions", err)
	}
}

func TestManager_GetOrCreate(t *testing.T) {
	mgr := newTestManager(t, 10)

	o1, created, err := mgr.GetOrCreate("abc")
	if err != nil || !created {
		t.Fatalf("GetOrCreate = (%v, %v)", created, err)
	}
	o2, created, err := mgr.GetOrCreate("abc")
	if err != nil || created {
		t.Fatalf("second GetOrCreate = (%v, %v)", created, err)
	}
	if o1 != o2 {
		t.Error("GetOrCreate should return the existing session")
	}
	if o1.ID() != "abc" {
		t.Errorf("ID() = %q", o1.ID())
	}
}

func TestManager_GetNotFound(t *testing.T) {
	mgr := newTestManager(t, 10)
	if _, err := mgr.Get("nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get = %v, want ErrNotFound", err)
	}
}

func TestManager_List(t *testing.T) {
	mgr := newTestManager(t, 10)
	if got := mgr.List(); len(got) != 0 {
		t.Fatalf("expected empty list, got %d", len(got))
	}

	first, _ := mgr.Create(CreateOptions{Name: "first"})
	time.Sleep(2 * time.Millisecond)
	mgr.Create(CreateOptions{Name: "second"})

	list := mgr.List()
	if len(list) != 2 {
		t.Fatalf("len(List()) = %d, want 2", len(list))
	}
	if list[0].ID != first.ID() || list[1].Name != "second" {
		t.Errorf("List() = %+v, want creation order", list)
	}
	if list[0].State != StateIdle || list[0].MessageCount != 0 {
		t.Errorf("summary = %+v", list[0])
	}
}

func TestManager_Delete(t *testing.T) {
	mgr := newTestManager(t, 10)

	o, _ := mgr.Create(CreateOptions{})
	events := newEventLog()
	o.Attach(events.sink)
	o.HandleMessage("slow", nil)
	events.next(t)

	if err := mgr.Delete(o.ID()); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !o.IsClosed() {
		t.Error("deleted session should be closed")
	}
	if _, err := mgr.Get(o.ID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete = %v", err)
	}
	if err := mgr.Delete(o.ID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestManager_Shutdown(t *testing.T) {
	mgr := newTestManager(t, 10)

	var all []*Orchestrator
	for i := 0; i < 3; i++ {
		o, _ := mgr.Create(CreateOptions{})
		o.HandleMessage("slow", nil)
		all = append(all, o)
	}

	done := make(chan struct{})
	go func() {
		mgr.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Shutdown did not return")
	}

	for _, o := range all {
		if !o.IsClosed() {
			t.Errorf("session %s not closed", o.ID())
		}
	}
	if len(mgr.List()) != 0 {
		t.Error("sessions remain after Shutdown")
	}
}

func TestManager_RemoveLeavesNewerSessionAlone(t *testing.T) {
	mgr := newTestManager(t, 10)

	old, _, _ := mgr.GetOrCreate("shared")
	if err := mgr.Delete("shared"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	fresh, created, err := mgr.GetOrCreate("shared")
	if err != nil || !created {
		t.Fatalf("GetOrCreate = (%v, %v)", created, err)
	}

	mgr.Remove(old)

	got, err := mgr.Get("shared")
	if err != nil || got != fresh {
		t.Fatalf("Get after removing stale session = (%p, %v), want the fresh one", got, err)
	}
	if fresh.IsClosed() {
		t.Error("fresh session should not be closed")
	}

	mgr.Remove(fresh)
	if _, err := mgr.Get("shared"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Remove = %v, want ErrNotFound", err)
	}
	if !fresh.IsClosed() {
		t.Error("removed session should be closed")
	}
}
