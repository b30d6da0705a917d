package stream

import (
	"errors"
	"testing"

	"github.com/matheus3301/chatsync/internal/auth"
)

type recorder struct {
	deltas    []string
	completes []Chunk
	errs      []error
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnDelta:    func(s string) { r.deltas = append(r.deltas, s) },
		OnComplete: func(c Chunk) { r.completes = append(r.completes, c) },
		OnError:    func(err error) { r.errs = append(r.errs, err) },
	}
}

func TestCompleteAcrossFragmentedReads(t *testing.T) {
	event := []byte("data: {\"type\":\"complete\",\"message\":{\"id\":\"m1\",\"content\":\"done\"}}\n\n")
	splits := [][2]int{{1, 2}, {5, 30}, {len(event) - 2, len(event) - 1}, {20, 21}}

	for _, sp := range splits {
		rec := &recorder{}
		d := NewDecoder(rec.handlers())
		d.Feed(event[:sp[0]])
		d.Feed(event[sp[0]:sp[1]])
		d.Feed(event[sp[1]:])

		if len(rec.completes) != 1 {
			t.Fatalf("split %v: got %d complete callbacks, want 1", sp, len(rec.completes))
		}
		if len(rec.deltas) != 0 {
			t.Errorf("split %v: got %d delta callbacks, want 0", sp, len(rec.deltas))
		}
		c := rec.completes[0]
		if c.Message == nil || c.Message.ID != "m1" || c.Message.Content != "done" {
			t.Errorf("split %v: payload = %+v", sp, c.Message)
		}
		if !d.Finished() {
			t.Errorf("split %v: decoder not finished", sp)
		}
	}
}

func TestDeltasThenComplete(t *testing.T) {
	rec := &recorder{}
	d := NewDecoder(rec.handlers())
	d.Feed([]byte("event: delta\ndata: {\"type\":\"delta\",\"text\":\"Hel\"}\n\ndata: {\"type\":\"delta\",\"delta\":\"lo\"}\n\n"))
	d.Feed([]byte("data: {\"type\":\"delta\",\"text\":\"\"}\n\n"))
	d.Feed([]byte("data: {\"type\":\"complete\"}\n\n"))

	if got := len(rec.deltas); got != 2 || rec.deltas[0] != "Hel" || rec.deltas[1] != "lo" {
		t.Errorf("deltas = %q, want [Hel lo]", rec.deltas)
	}
	if len(rec.completes) != 1 {
		t.Errorf("completes = %d", len(rec.completes))
	}
}

func TestMultipleDataLinesAreJoined(t *testing.T) {
	rec := &recorder{}
	d := NewDecoder(rec.handlers())
	d.Feed([]byte("data: {\"type\":\ndata: \"delta\",\"text\":\"x\"}\n\n"))
	if len(rec.deltas) != 1 || rec.deltas[0] != "x" {
		t.Errorf("deltas = %q", rec.deltas)
	}
}

func TestCRLFFraming(t *testing.T) {
	rec := &recorder{}
	d := NewDecoder(rec.handlers())
	d.Feed([]byte("data: {\"type\":\"delta\",\"text\":\"a\"}\r\n\r\ndata: {\"type\":\"complete\"}\r\n\r\n"))
	if len(rec.deltas) != 1 || len(rec.completes) != 1 {
		t.Errorf("deltas=%q completes=%d", rec.deltas, len(rec.completes))
	}
}

func TestMalformedEventsAreSkipped(t *testing.T) {
	rec := &recorder{}
	d := NewDecoder(rec.handlers())
	d.Feed([]byte("data: {not json\n\n: comment only\n\ndata: {\"type\":\"mystery\"}\n\ndata: {\"type\":\"delta\",\"text\":\"ok\"}\n\n"))

	if len(rec.deltas) != 1 || rec.deltas[0] != "ok" {
		t.Errorf("deltas = %q, want [ok]", rec.deltas)
	}
	if len(rec.errs) != 0 {
		t.Errorf("malformed events produced errors: %v", rec.errs)
	}
	if d.Finished() {
		t.Error("decoder finished on malformed input")
	}
}

func TestErrorChunk(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantMsg  string
		wantAuth bool
	}{
		{"with message", `data: {"type":"error","error":"quota exceeded"}` + "\n\n", "quota exceeded", false},
		{"default message", `data: {"type":"error"}` + "\n\n", DefaultErrorText, false},
		{"auth code", `data: {"type":"error","error":"expired","code":401}` + "\n\n", "expired", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			d := NewDecoder(rec.handlers())
			if !d.Feed([]byte(tt.input)) {
				t.Fatal("error chunk did not finish the session")
			}
			if len(rec.errs) != 1 {
				t.Fatalf("errs = %v", rec.errs)
			}
			var cf *ChunkFailure
			if !errors.As(rec.errs[0], &cf) || cf.Message != tt.wantMsg {
				t.Errorf("err = %v, want message %q", rec.errs[0], tt.wantMsg)
			}
			if got := errors.Is(rec.errs[0], auth.ErrReauthenticate); got != tt.wantAuth {
				t.Errorf("auth = %v, want %v", got, tt.wantAuth)
			}
		})
	}
}

func TestNothingAfterFinish(t *testing.T) {
	rec := &recorder{}
	d := NewDecoder(rec.handlers())
	d.Feed([]byte("data: {\"type\":\"complete\"}\n\ndata: {\"type\":\"delta\",\"text\":\"late\"}\n\n"))
	d.Feed([]byte("data: {\"type\":\"complete\"}\n\n"))
	d.Close()

	if len(rec.deltas) != 0 || len(rec.completes) != 1 {
		t.Errorf("deltas=%q completes=%d after finish", rec.deltas, len(rec.completes))
	}
}

func TestTrailingUnterminatedEvent(t *testing.T) {
	rec := &recorder{}
	d := NewDecoder(rec.handlers())
	d.Feed([]byte("data: {\"type\":\"delta\",\"text\":\"a\"}\n\ndata: {\"type\":\"complete\"}"))
	if len(rec.completes) != 0 {
		t.Fatal("complete dispatched before terminator")
	}
	if !d.Close() {
		t.Error("Close() should finish on a valid trailing complete")
	}
	if len(rec.completes) != 1 {
		t.Errorf("completes = %d, want 1", len(rec.completes))
	}
}

func TestTrailingGarbageIgnored(t *testing.T) {
	rec := &recorder{}
	d := NewDecoder(rec.handlers())
	d.Feed([]byte("data: {\"type\":\"comp"))
	if d.Close() {
		t.Error("truncated trailing event should not finish")
	}
	if len(rec.completes)+len(rec.errs) != 0 {
		t.Error("truncated trailing event dispatched callbacks")
	}
}
