package timeline

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func localEcho(cid string, sec int) model.Message {
	return model.Message{
		ID: cid, LocalID: cid, ClientMessageID: cid, SessionID: "s1",
		Content: "hello", CreatedAt: at(sec), Status: model.StatusSending, IsLocal: true,
	}
}

func serverCopy(cid, id string, sec int) model.Message {
	return model.Message{
		ID: id, SessionID: "s1", Content: "hello", CreatedAt: at(sec),
		Metadata: map[string]any{"clientMessageId": cid},
	}
}

func TestIdempotentReconciliation(t *testing.T) {
	s := New(nil)
	s.Append(localEcho("c1", 0))
	s.Append(serverCopy("c1", "X", 1))
	s.Append(serverCopy("c1", "X", 1))

	msgs := s.Messages("s1")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1: %+v", len(msgs), msgs)
	}
	m := msgs[0]
	if m.ID != "X" {
		t.Errorf("id = %q, want X", m.ID)
	}
	if m.IsLocal {
		t.Error("isLocal = true, want false")
	}
	if m.Status != model.StatusSent {
		t.Errorf("status = %q, want sent", m.Status)
	}
	if m.LocalID != "" {
		t.Errorf("localId = %q, want cleared", m.LocalID)
	}
}

func TestReconcileKeepsSinglePositionAmongPeers(t *testing.T) {
	s := New(nil)
	s.Append(model.Message{ID: "a", SessionID: "s1", CreatedAt: at(0)})
	s.Append(localEcho("c1", 5))
	s.Append(model.Message{ID: "b", SessionID: "s1", CreatedAt: at(10)})
	s.Append(serverCopy("c1", "X", 5))

	msgs := s.Messages("s1")
	want := []string{"a", "X", "b"}
	if len(msgs) != len(want) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(want))
	}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Errorf("msgs[%d].ID = %q, want %q", i, msgs[i].ID, id)
		}
	}
}

func TestReconcileDropsEarlierServerDuplicate(t *testing.T) {
	s := New(nil)
	s.Append(localEcho("c1", 0))
	// A history page delivered the server copy without its correlation id.
	s.Append(model.Message{ID: "X", SessionID: "s1", Content: "hello", CreatedAt: at(1)})
	s.Append(serverCopy("c1", "X", 1))

	if msgs := s.Messages("s1"); len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1: %+v", len(msgs), msgs)
	}
}

func TestRepeatedLocalEchoIsNotReconciled(t *testing.T) {
	s := New(nil)
	s.Append(localEcho("c1", 0))
	s.Append(localEcho("c1", 0))

	msgs := s.Messages("s1")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if !msgs[0].IsLocal || msgs[0].Status != model.StatusSending {
		t.Errorf("echo = %+v, want still local and sending", msgs[0])
	}
}

func TestReplaceWithExplicitKey(t *testing.T) {
	s := New(nil)
	s.Append(localEcho("c1", 0))
	// Server response carries no correlation id at all.
	s.Replace("s1", "c1", model.Message{ID: "X", Content: "hello", CreatedAt: at(1)})

	msgs := s.Messages("s1")
	if len(msgs) != 1 || msgs[0].ID != "X" || msgs[0].IsLocal {
		t.Fatalf("messages = %+v, want one confirmed X", msgs)
	}
	if msgs[0].SessionID != "s1" {
		t.Errorf("sessionId = %q, want s1", msgs[0].SessionID)
	}
}

func TestUpdate(t *testing.T) {
	s := New(nil)
	s.Append(localEcho("c1", 0))

	s.Update("s1", "c1", model.StatusPatch(model.StatusSent, false))
	m, ok := s.Find("s1", "c1")
	if !ok {
		t.Fatal("echo not found")
	}
	if m.Status != model.StatusSent || m.IsLocal {
		t.Errorf("after update = %+v", m)
	}

	// Unknown ids and unknown sessions are no-ops.
	s.Update("s1", "missing", model.StatusPatch(model.StatusFailed, false))
	s.Update("s2", "c1", model.StatusPatch(model.StatusFailed, false))
	if got := len(s.Messages("s1")); got != 1 {
		t.Errorf("got %d messages after no-op updates, want 1", got)
	}
}

func TestUpdateMarksDeleted(t *testing.T) {
	s := New(nil)
	s.Append(model.Message{ID: "m1", SessionID: "s1", Content: "secret", Type: model.TypeText, CreatedAt: at(0)})
	s.Update("s1", "m1", model.RedactDeleted(at(5)))

	m, _ := s.Find("s1", "m1")
	if m.Content != model.DeletedPlaceholder || m.Type != model.TypeSystem || m.Metadata["isDeleted"] != true {
		t.Errorf("deleted message = %+v", m)
	}
}

func TestOrderingInvariant(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	s := New(nil)
	for step := range 500 {
		switch r.IntN(3) {
		case 0:
			s.Append(model.Message{ID: fmt.Sprintf("m%d", r.IntN(50)), SessionID: "s1", CreatedAt: at(r.IntN(1000))})
		case 1:
			cid := fmt.Sprintf("c%d", r.IntN(20))
			s.Append(localEcho(cid, r.IntN(1000)))
			s.Append(serverCopy(cid, "srv-"+cid, r.IntN(1000)))
		case 2:
			var page []model.Message
			for range r.IntN(5) {
				page = append(page, model.Message{ID: fmt.Sprintf("m%d", r.IntN(50)), CreatedAt: at(r.IntN(1000))})
			}
			s.LoadPage("s1", "", page, true, "", r.IntN(4) == 0)
		}
		assertSorted(t, step, s.Messages("s1"))
	}
}

func assertSorted(t *testing.T, step int, msgs []model.Message) {
	t.Helper()
	seen := make(map[string]bool)
	for i, m := range msgs {
		if i > 0 && m.CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("step %d: timeline not sorted at %d", step, i)
		}
		if m.ID != "" && seen[m.ID] {
			t.Fatalf("step %d: duplicate id %s", step, m.ID)
		}
		seen[m.ID] = true
	}
}

func TestStableSortKeepsInsertionOrderForTies(t *testing.T) {
	s := New(nil)
	for _, id := range []string{"first", "second", "third"} {
		s.Append(model.Message{ID: id, SessionID: "s1", CreatedAt: at(0)})
	}
	msgs := s.Messages("s1")
	for i, id := range []string{"first", "second", "third"} {
		if msgs[i].ID != id {
			t.Errorf("msgs[%d] = %s, want %s", i, msgs[i].ID, id)
		}
	}
}

func TestLoadPageReplace(t *testing.T) {
	s := New(nil)
	s.Append(model.Message{ID: "old", SessionID: "s1", CreatedAt: at(0)})
	s.Append(localEcho("c1", 1))
	s.Append(localEcho("c2", 2))

	page := []model.Message{
		{ID: "p2", CreatedAt: at(20)},
		{ID: "p1", CreatedAt: at(10)},
		serverCopy("c2", "X2", 3),
	}
	s.LoadPage("s1", "", page, true, "cur-2", true)

	msgs := s.Messages("s1")
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	want := []string{"c1", "X2", "p1", "p2"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("ids = %v, want %v", ids, want)
	}

	st := s.State("s1")
	if !st.HasMore || st.NextCursor != "cur-2" || st.Loading {
		t.Errorf("state = %+v", st)
	}
}

func TestLoadPageMerge(t *testing.T) {
	s := New(nil)
	s.LoadPage("s1", "", []model.Message{{ID: "m2", CreatedAt: at(2)}, {ID: "m3", CreatedAt: at(3)}}, true, "c", false)
	s.LoadPage("s1", "c", []model.Message{{ID: "m1", CreatedAt: at(1)}, {ID: "m2", CreatedAt: at(2), Content: "edited"}}, false, "", false)

	msgs := s.Messages("s1")
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[1].Content != "edited" {
		t.Errorf("merged = %+v", msgs)
	}
	if s.State("s1").HasMore {
		t.Error("hasMore should follow the last page")
	}
}

func TestSetErrorKeepsMessages(t *testing.T) {
	s := New(nil)
	s.Append(model.Message{ID: "m1", SessionID: "s1", CreatedAt: at(0)})
	s.SetLoading("s1")
	if !s.State("s1").Loading {
		t.Fatal("loading not set")
	}
	s.SetError("s1", fmt.Errorf("network down"))

	st := s.State("s1")
	if st.Loading || st.Error != "network down" {
		t.Errorf("state = %+v", st)
	}
	if len(s.Messages("s1")) != 1 {
		t.Error("SetError discarded loaded messages")
	}
}

func TestIgnoresMessagesWithoutSession(t *testing.T) {
	s := New(nil)
	s.Append(model.Message{ID: "m1"})
	if ids := s.SessionIDs(); len(ids) != 0 {
		t.Errorf("sessions = %v, want none", ids)
	}
}

func TestPublishesChange(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("timeline.", 10)
	defer unsub()

	s := New(b)
	s.Append(model.Message{ID: "m1", SessionID: "s1", CreatedAt: at(0)})

	select {
	case evt := <-ch:
		change, ok := evt.Payload.(bus.TimelineChange)
		if !ok || change.SessionID != "s1" {
			t.Errorf("payload = %#v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for timeline.changed")
	}
}

func TestLastConfirmedSkipsUnconfirmedEchoes(t *testing.T) {
	s := New(nil)
	s.Append(model.Message{ID: "m1", SessionID: "s1", CreatedAt: at(0)})
	s.Append(localEcho("c1", 1))

	// Sent over the live channel: no longer local, but the server copy has
	// not arrived yet.
	s.Update("s1", "c1", model.StatusPatch(model.StatusSent, false))
	last, ok := s.LastConfirmed("s1")
	if !ok || last.ID != "m1" {
		t.Fatalf("LastConfirmed() = %q, %v, want m1", last.ID, ok)
	}

	s.Append(serverCopy("c1", "m2", 2))
	last, ok = s.LastConfirmed("s1")
	if !ok || last.ID != "m2" {
		t.Errorf("LastConfirmed() after server copy = %q, %v, want m2", last.ID, ok)
	}

	if _, ok := s.LastConfirmed("unknown"); ok {
		t.Error("LastConfirmed() found a message in an unknown session")
	}
}

func TestUpdateUnknownSessionLeavesNoEntry(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("timeline.", 10)
	defer unsub()

	s := New(b)
	s.Update("ghost", "m1", model.StatusPatch(model.StatusSent, false))

	if ids := s.SessionIDs(); len(ids) != 0 {
		t.Errorf("SessionIDs() = %v, want none", ids)
	}
	if st := s.State("ghost"); st != (State{}) {
		t.Errorf("State() = %+v, want zero", st)
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected event %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}
