package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	data, err := store.Load(ctx, "missing")
	if err != nil || data != nil {
		t.Fatalf("Load(missing) = %v, %v; want nil, nil", data, err)
	}

	if err := store.Save(ctx, "b", []byte{1, 2, 3}); err != nil {
		t.Fatalf("Save(b) failed: %v", err)
	}
	if err := store.Save(ctx, "a", []byte{4}); err != nil {
		t.Fatalf("Save(a) failed: %v", err)
	}
	if err := store.Save(ctx, "b", []byte{5, 6}); err != nil {
		t.Fatalf("Save(b) overwrite failed: %v", err)
	}

	data, err = store.Load(ctx, "b")
	if err != nil {
		t.Fatalf("Load(b) failed: %v", err)
	}
	if diff := cmp.Diff([]byte{5, 6}, data); diff != "" {
		t.Errorf("Load(b) mismatch (-want +got):\n%s", diff)
	}

	ids, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, ids); diff != "" {
		t.Errorf("List mismatch (-want +got):\n%s", diff)
	}

	if err := store.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete(a) failed: %v", err)
	}
	if err := store.Delete(ctx, "never-saved"); err != nil {
		t.Errorf("Delete(never-saved) = %v, want nil", err)
	}
	if data, _ := store.Load(ctx, "a"); data != nil {
		t.Errorf("Load(a) after delete = %v, want nil", data)
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	exerciseStore(t, store)

	// Stored bytes are isolated from the caller's slice.
	buf := []byte{1}
	_ = store.Save(context.Background(), "c", buf)
	buf[0] = 9
	if data, _ := store.Load(context.Background(), "c"); data[0] != 1 {
		t.Errorf("stored byte = %d, want 1", data[0])
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := store.Save(context.Background(), "x", nil); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Save after Close = %v, want ErrStoreClosed", err)
	}
	if _, err := store.List(context.Background()); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("List after Close = %v, want ErrStoreClosed", err)
	}
}

// fakeS3 serves the subset of the S3 REST API the store uses, with
// path-style addressing.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/"+f.bucket)
	key := strings.TrimPrefix(path, "/")

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && key == "" && r.URL.Query().Get("list-type") == "2":
		prefix := r.URL.Query().Get("prefix")
		var keys []string
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		slices.Sort(keys)
		var b strings.Builder
		fmt.Fprintf(&b, `<?xml version="1.0" encoding="UTF-8"?>`+
			`<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`+
			`<Name>%s</Name><Prefix>%s</Prefix><KeyCount>%d</KeyCount><MaxKeys>1000</MaxKeys><IsTruncated>false</IsTruncated>`,
			f.bucket, prefix, len(keys))
		for _, k := range keys {
			fmt.Fprintf(&b, `<Contents><Key>%s</Key><Size>%d</Size></Contents>`, k, len(f.objects[k]))
		}
		b.WriteString(`</ListBucketResult>`)
		w.Header().Set("Content-Type", "application/xml")
		_, _ = io.WriteString(w, b.String())

	case r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>`+
				`<Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(data)

	case r.Method == http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newFakeS3Store(t *testing.T) (*S3Store, *fakeS3) {
	t.Helper()
	fake := &fakeS3{bucket: "relay-test", objects: make(map[string][]byte)}
	ts := httptest.NewServer(fake)
	t.Cleanup(ts.Close)

	store, err := NewS3Store(S3Config{
		Bucket:          fake.bucket,
		Prefix:          "rooms/",
		Region:          "us-east-1",
		Endpoint:        ts.URL,
		UsePathStyle:    true,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	})
	if err != nil {
		t.Fatalf("NewS3Store failed: %v", err)
	}
	return store, fake
}

func TestS3Store(t *testing.T) {
	store, fake := newFakeS3Store(t)
	exerciseStore(t, store)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if _, ok := fake.objects["rooms/b"]; !ok {
		t.Errorf("objects = %v, want key rooms/b", fake.objects)
	}
}

func TestNewS3StoreRequiresBucket(t *testing.T) {
	if _, err := NewS3Store(S3Config{}); err == nil {
		t.Error("NewS3Store(no bucket) = nil error, want error")
	}
}
