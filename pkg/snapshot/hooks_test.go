package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vango-dev/relay/pkg/crdt"
	"github.com/vango-dev/relay/pkg/room"
)

// slowStore delays every Save.
type slowStore struct {
	*MemoryStore
	delay  time.Duration
	saving chan string
}

func (s slowStore) Save(ctx context.Context, id string, data []byte) error {
	select {
	case s.saving <- id:
	default:
	}
	time.Sleep(s.delay)
	return s.MemoryStore.Save(ctx, id, data)
}

type failingStore struct {
	*MemoryStore
	err error
}

func (f failingStore) Load(context.Context, string) ([]byte, error) { return nil, f.err }
func (f failingStore) Save(context.Context, string, []byte) error   { return f.err }

func TestProvider(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	src := crdt.New(crdt.WithClientID(3))
	_ = src.Set("title", "kept")
	state, _ := src.EncodeStateAsUpdate(nil)
	_ = store.Save(ctx, "saved", state)
	_ = store.Save(ctx, "corrupt", []byte{0x09})

	t.Run("restores snapshot", func(t *testing.T) {
		doc, err := Provider(store, true)(ctx, "saved")
		if err != nil {
			t.Fatalf("Provider failed: %v", err)
		}
		if v, ok := doc.(*crdt.Doc).Get("title"); !ok || string(v) != `"kept"` {
			t.Errorf("title = %s, %v; want \"kept\"", v, ok)
		}
	})

	t.Run("strict rejects unknown room", func(t *testing.T) {
		_, err := Provider(store, true)(ctx, "new")
		if !errors.Is(err, room.ErrRoomNotFound) {
			t.Errorf("err = %v, want ErrRoomNotFound", err)
		}
	})

	t.Run("lenient creates empty document", func(t *testing.T) {
		doc, err := Provider(store, false)(ctx, "new")
		if err != nil || doc == nil {
			t.Fatalf("Provider = %v, %v; want document", doc, err)
		}
		if keys := doc.(*crdt.Doc).Keys(); len(keys) != 0 {
			t.Errorf("keys = %v, want none", keys)
		}
	})

	t.Run("corrupt snapshot", func(t *testing.T) {
		if _, err := Provider(store, false)(ctx, "corrupt"); !errors.Is(err, crdt.ErrInvalidUpdate) {
			t.Errorf("err = %v, want ErrInvalidUpdate", err)
		}
	})

	t.Run("backend error", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := Provider(failingStore{NewMemoryStore(), boom}, false)(ctx, "x")
		if !errors.Is(err, boom) {
			t.Errorf("err = %v, want boom", err)
		}
	})
}

func TestEvictionHook(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	nop := zerolog.Nop()
	hook := EvictionHook(store, &nop)

	hook("empty", crdt.New())
	if data, _ := store.Load(ctx, "empty"); data != nil {
		t.Errorf("empty document was saved: %v", data)
	}

	doc := crdt.New(crdt.WithClientID(1))
	_ = doc.Set("k", "v")
	hook("r1", doc)

	restored, err := Provider(store, true)(ctx, "r1")
	if err != nil {
		t.Fatalf("Provider failed: %v", err)
	}
	if v, ok := restored.(*crdt.Doc).Get("k"); !ok || string(v) != `"v"` {
		t.Errorf("k = %s, %v; want \"v\"", v, ok)
	}

	// A failing store is logged, not fatal.
	EvictionHook(failingStore{NewMemoryStore(), errors.New("down")}, &nop)("r1", doc)
}

func TestHooksThroughManager(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	nop := zerolog.Nop()

	m := room.NewManager(room.Config{
		Provider:      Provider(store, false),
		OnRoomEvicted: EvictionHook(store, &nop),
		Logger:        &nop,
	})
	doc, err := m.GetOrCreateDoc(ctx, "r1")
	if err != nil {
		t.Fatalf("GetOrCreateDoc failed: %v", err)
	}
	src := crdt.New(crdt.WithClientID(5))
	_ = src.Set("n", 1)
	update, _ := src.EncodeStateAsUpdate(nil)
	if err := doc.ApplyUpdate(update, nil); err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}
	m.Close()

	m2 := room.NewManager(room.Config{Provider: Provider(store, true), Logger: &nop})
	defer m2.Close()
	doc2, err := m2.GetOrCreateDoc(ctx, "r1")
	if err != nil {
		t.Fatalf("GetOrCreateDoc after restart failed: %v", err)
	}
	if v, ok := doc2.(*crdt.Doc).Get("n"); !ok || string(v) != "1" {
		t.Errorf("n = %s, %v; want 1", v, ok)
	}
}

func TestReloadDuringSaveSeesEvictedState(t *testing.T) {
	ctx := context.Background()
	store := slowStore{MemoryStore: NewMemoryStore(), delay: 150 * time.Millisecond, saving: make(chan string, 1)}
	nop := zerolog.Nop()

	m := room.NewManager(room.Config{
		EvictionDelay: 10 * time.Millisecond,
		Provider:      Provider(store, false),
		OnRoomEvicted: EvictionHook(store, &nop),
		Logger:        &nop,
	})
	defer m.Close()

	doc, err := m.GetOrCreateDoc(ctx, "r1")
	if err != nil {
		t.Fatalf("GetOrCreateDoc failed: %v", err)
	}
	src := crdt.New(crdt.WithClientID(8))
	_ = src.Set("k", "written before eviction")
	update, _ := src.EncodeStateAsUpdate(nil)
	if err := doc.ApplyUpdate(update, nil); err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}

	select {
	case <-store.saving:
	case <-time.After(time.Second):
		t.Fatal("evicted room was not saved")
	}
	again, err := m.GetOrCreateDoc(ctx, "r1")
	if err != nil {
		t.Fatalf("GetOrCreateDoc during save failed: %v", err)
	}
	if _, ok := again.(*crdt.Doc).Get("k"); !ok {
		t.Error("room re-created during the save lost k")
	}
}
