package awareness

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/vango-dev/relay/pkg/protocol"
)

func update(entries ...protocol.AwarenessEntry) []byte {
	return protocol.EncodeAwarenessUpdate(entries)
}

func entry(id, clock uint64, state string) protocol.AwarenessEntry {
	e := protocol.AwarenessEntry{ClientID: id, Clock: clock}
	if state != "" {
		e.State = json.RawMessage(state)
	}
	return e
}

func TestApplyUpdateClassifiesChanges(t *testing.T) {
	a := New()
	var changes []Change
	var origins []any
	a.OnChange(func(c Change, origin any) {
		changes = append(changes, c)
		origins = append(origins, origin)
	})

	steps := []struct {
		name string
		raw  []byte
		want Change
	}{
		{"add", update(entry(1, 1, `{"x":1}`), entry(2, 1, `{"x":2}`)), Change{Added: []uint64{1, 2}}},
		{"update", update(entry(1, 2, `{"x":9}`)), Change{Updated: []uint64{1}}},
		{"stale_clock_ignored", update(entry(1, 1, `{"x":0}`)), Change{}},
		{"remove_same_clock", update(entry(2, 1, "null")), Change{Removed: []uint64{2}}},
	}

	for _, step := range steps {
		changes = nil
		if err := a.ApplyUpdate(step.raw, "conn"); err != nil {
			t.Fatalf("%s: ApplyUpdate() error = %v", step.name, err)
		}
		var got Change
		if len(changes) == 1 {
			got = changes[0]
		}
		if diff := cmp.Diff(step.want, got); diff != "" {
			t.Errorf("%s: change mismatch (-want +got):\n%s", step.name, diff)
		}
	}

	if diff := cmp.Diff([]uint64{1}, a.ClientIDs()); diff != "" {
		t.Errorf("ClientIDs() mismatch (-want +got):\n%s", diff)
	}
	if s, _ := a.State(1); string(s) != `{"x":9}` {
		t.Errorf("State(1) = %s, want {\"x\":9}", s)
	}
	for _, o := range origins {
		if o != "conn" {
			t.Errorf("origin = %v, want conn", o)
		}
	}
}

func TestApplyUpdateRejectsMalformed(t *testing.T) {
	a := New()
	if err := a.ApplyUpdate([]byte{0x02, 0x01}, nil); err == nil {
		t.Fatal("ApplyUpdate(malformed) should fail")
	}
	if a.Len() != 0 {
		t.Errorf("Len() = %d after malformed update, want 0", a.Len())
	}
}

func TestRemoveStatesBatch(t *testing.T) {
	a := New()
	if err := a.ApplyUpdate(update(entry(1, 1, `1`), entry(2, 1, `2`), entry(3, 1, `3`)), nil); err != nil {
		t.Fatal(err)
	}

	var calls int
	a.OnChange(func(Change, any) { calls++ })

	change := a.RemoveStates([]uint64{1, 3, 42}, nil)
	if diff := cmp.Diff([]uint64{1, 3}, change.Removed); diff != "" {
		t.Errorf("Removed mismatch (-want +got):\n%s", diff)
	}
	if calls != 1 {
		t.Errorf("change events = %d, want 1", calls)
	}
	if diff := cmp.Diff([]uint64{2}, a.ClientIDs()); diff != "" {
		t.Errorf("ClientIDs() mismatch (-want +got):\n%s", diff)
	}

	// Clocks survive removal so a replayed stale update is rejected.
	if err := a.ApplyUpdate(update(entry(1, 1, `1`)), nil); err != nil {
		t.Fatal(err)
	}
	if _, ok := a.State(1); ok {
		t.Error("stale update resurrected a removed state")
	}

	// Nothing left to remove: no event.
	a.RemoveStates([]uint64{1, 3}, nil)
	if calls != 1 {
		t.Errorf("change events = %d after empty removal, want 1", calls)
	}
}

func TestEncodeUpdateRemovalDelta(t *testing.T) {
	src := New()
	if err := src.ApplyUpdate(update(entry(5, 4, `{"cursor":1}`)), nil); err != nil {
		t.Fatal(err)
	}
	peer := New()
	if err := peer.ApplyUpdate(src.EncodeUpdate(src.ClientIDs()), nil); err != nil {
		t.Fatal(err)
	}

	src.RemoveStates([]uint64{5}, nil)
	if err := peer.ApplyUpdate(src.EncodeUpdate([]uint64{5}), nil); err != nil {
		t.Fatal(err)
	}
	if peer.Len() != 0 {
		t.Errorf("peer Len() = %d after removal delta, want 0", peer.Len())
	}
}

func TestSetState(t *testing.T) {
	a := New()
	raw := a.SetState(9, json.RawMessage(`{"name":"n"}`))
	entries, err := protocol.DecodeAwarenessUpdate(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Clock != 1 || entries[0].Removed() {
		t.Errorf("SetState entries = %+v, want one live entry at clock 1", entries)
	}

	raw = a.SetState(9, nil)
	entries, _ = protocol.DecodeAwarenessUpdate(raw)
	if len(entries) != 1 || entries[0].Clock != 2 || !entries[0].Removed() {
		t.Errorf("SetState(nil) entries = %+v, want removal at clock 2", entries)
	}
	if a.Clock(9) != 2 {
		t.Errorf("Clock(9) = %d, want 2", a.Clock(9))
	}
}

func TestSetStateNullRemoves(t *testing.T) {
	tests := []struct {
		name  string
		state json.RawMessage
	}{
		{"null", json.RawMessage("null")},
		{"padded_null", json.RawMessage(" null\n")},
		{"empty", json.RawMessage{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New()
			a.SetState(4, json.RawMessage(`{"x":1}`))

			var got Change
			a.OnChange(func(c Change, _ any) { got = c })
			raw := a.SetState(4, tt.state)

			if _, ok := a.State(4); ok {
				t.Errorf("State(4) live after SetState(%q), want removed", tt.state)
			}
			if diff := cmp.Diff(Change{Removed: []uint64{4}}, got); diff != "" {
				t.Errorf("change mismatch (-want +got):\n%s", diff)
			}
			entries, _ := protocol.DecodeAwarenessUpdate(raw)
			if len(entries) != 1 || !entries[0].Removed() {
				t.Errorf("SetState(%q) update = %+v, want one removal", tt.state, entries)
			}
		})
	}
}

func TestOnChangeUnsubscribe(t *testing.T) {
	a := New()
	var calls int
	unsubscribe := a.OnChange(func(Change, any) { calls++ })
	a.SetState(1, json.RawMessage(`1`))
	unsubscribe()
	a.SetState(1, json.RawMessage(`2`))
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
