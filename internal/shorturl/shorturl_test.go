package shorturl

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"

	"github.com/starford/pictura/internal/apperr"
	"github.com/starford/pictura/internal/models"
	"github.com/starford/pictura/internal/testutil"
)

type memStore struct {
	mu   sync.Mutex
	byID map[string]models.ShortURL
	// claimed IDs are inserted behind the allocator's back just before its
	// insert, simulating a concurrent allocator.
	claimed map[string]bool
	lookups int
}

func newMemStore() *memStore {
	return &memStore{byID: map[string]models.ShortURL{}, claimed: map[string]bool{}}
}

func (m *memStore) ShortURLID(_ context.Context, user, image, ext, rawQuery string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.byID {
		if s.User == user && s.ImageIdentifier == image && s.Extension == ext && s.Query.Encode() == rawQuery {
			return id, nil
		}
	}
	return "", apperr.ErrNotFound
}

func (m *memStore) ShortURLParams(_ context.Context, id string) (*models.ShortURL, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	s, ok := m.byID[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &s, nil
}

func (m *memStore) InsertShortURL(_ context.Context, s *models.ShortURL) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimed[s.ID] {
		delete(m.claimed, s.ID)
		m.byID[s.ID] = models.ShortURL{ID: s.ID, User: "someone-else"}
	}
	if _, ok := m.byID[s.ID]; ok {
		return apperr.ErrAlreadyExists
	}
	for _, o := range m.byID {
		if o.User == s.User && o.ImageIdentifier == s.ImageIdentifier && o.Extension == s.Extension && o.Query.Encode() == s.Query.Encode() {
			return apperr.ErrConflict
		}
	}
	m.byID[s.ID] = *s
	return nil
}

func (m *memStore) DeleteShortURLs(_ context.Context, user, image string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.byID {
		if s.User == user && s.ImageIdentifier == image {
			delete(m.byID, id)
		}
	}
	return nil
}

func (m *memStore) DeleteShortURL(_ context.Context, user, image, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok || s.User != user || s.ImageIdentifier != image {
		return apperr.ErrNotFound
	}
	delete(m.byID, id)
	return nil
}

func sequence(ids ...string) Generator {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		id := ids[i%len(ids)]
		i++
		return id, nil
	}
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	a := New(newMemStore())
	ctx := context.Background()
	q := url.Values{"t[]": {"thumbnail:width=50"}, "a": {"1"}}

	id1, existed, err := a.GetOrCreate(ctx, "alice", "img", "PNG", q)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if existed {
		t.Error("first call reported existed")
	}
	if !Valid(id1) {
		t.Errorf("id %q is not a valid identifier", id1)
	}

	id2, existed, err := a.GetOrCreate(ctx, "alice", "img", ".png", url.Values{"a": {"1"}, "t[]": {"thumbnail:width=50"}})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !existed || id2 != id1 {
		t.Errorf("second call = %q existed=%v, want %q existed=true", id2, existed, id1)
	}

	id3, existed, _ := a.GetOrCreate(ctx, "alice", "img", "jpg", q)
	if existed || id3 == id1 {
		t.Errorf("different extension reused %q", id3)
	}
}

func TestRetriesOnCollision(t *testing.T) {
	store := newMemStore()
	store.byID["aaaaaaa"] = models.ShortURL{ID: "aaaaaaa", User: "bob", ImageIdentifier: "x"}
	gen := sequence("aaaaaaa", "aaaaaaa", "aaaaaaa", "bbbbbbb")
	a := New(store, WithGenerator(gen))

	id, existed, err := a.GetOrCreate(context.Background(), "alice", "img", "", nil)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if id != "bbbbbbb" || existed {
		t.Errorf("got %q existed=%v", id, existed)
	}
	if store.lookups != 4 {
		t.Errorf("lookups = %d, want 4", store.lookups)
	}
	if store.byID["aaaaaaa"].User != "bob" {
		t.Error("existing short url was overwritten")
	}
}

func TestRetriesWhenInsertLosesRace(t *testing.T) {
	store := newMemStore()
	store.claimed["ccccccc"] = true
	a := New(store, WithGenerator(sequence("ccccccc", "ddddddd")))

	id, _, err := a.GetOrCreate(context.Background(), "alice", "img", "", nil)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if id != "ddddddd" {
		t.Errorf("id = %q, want ddddddd", id)
	}
	if store.byID["ccccccc"].User != "someone-else" {
		t.Error("concurrent claim was overwritten")
	}
}

func TestConcurrentAllocationsAreUnique(t *testing.T) {
	store := newMemStore()
	a := New(store, WithGenerator(sequence("aaaaaaa", "bbbbbbb", "ccccccc", "ddddddd", "eeeeeee")))

	var wg sync.WaitGroup
	ids := make([]string, 5)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, _, err := a.GetOrCreate(context.Background(), "alice", "img", "", url.Values{"n": {string(rune('0' + i))}})
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			t.Errorf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

// rendezvous returns generators that each block until all n have been
// called, so every caller has finished its tuple lookup before any inserts.
func rendezvous(ids ...string) []Generator {
	var arrived sync.WaitGroup
	arrived.Add(len(ids))
	gens := make([]Generator, len(ids))
	for i, id := range ids {
		var once sync.Once
		gens[i] = func() (string, error) {
			once.Do(arrived.Done)
			arrived.Wait()
			return id, nil
		}
	}
	return gens
}

func TestConcurrentSameTupleSharesID(t *testing.T) {
	stores := []struct {
		name  string
		store Store
	}{
		{"memory", newMemStore()},
		{"sqlite", testutil.TestDB(t)},
	}
	for _, tc := range stores {
		t.Run(tc.name, func(t *testing.T) {
			gens := rendezvous("aaaaaaa", "bbbbbbb")
			type result struct {
				id      string
				existed bool
				err     error
			}
			results := make([]result, len(gens))
			var wg sync.WaitGroup
			for i, g := range gens {
				wg.Add(1)
				go func(i int, g Generator) {
					defer wg.Done()
					id, existed, err := New(tc.store, WithGenerator(g)).GetOrCreate(context.Background(), "alice", "img", "png", url.Values{})
					results[i] = result{id, existed, err}
				}(i, g)
			}
			wg.Wait()

			created := 0
			for _, r := range results {
				if r.err != nil {
					t.Fatalf("GetOrCreate: %v", r.err)
				}
				if r.id != results[0].id {
					t.Errorf("ids differ: %q vs %q", r.id, results[0].id)
				}
				if !r.existed {
					created++
				}
			}
			if created != 1 {
				t.Errorf("%d callers created the link, want 1", created)
			}
			id, err := tc.store.ShortURLID(context.Background(), "alice", "img", "png", "")
			if err != nil || id != results[0].id {
				t.Errorf("stored id = %q, %v; want %q", id, err, results[0].id)
			}
		})
	}
}

func TestCancelledContextStopsRetrying(t *testing.T) {
	store := newMemStore()
	store.byID["aaaaaaa"] = models.ShortURL{ID: "aaaaaaa"}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	gen := func() (string, error) {
		calls++
		if calls == 3 {
			cancel()
		}
		return "aaaaaaa", nil
	}
	_, _, err := New(store, WithGenerator(gen)).GetOrCreate(ctx, "alice", "img", "", nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestResolveAndDelete(t *testing.T) {
	store := newMemStore()
	a := New(store)
	ctx := context.Background()
	id, _, _ := a.GetOrCreate(ctx, "alice", "img", "gif", nil)

	s, err := a.Resolve(ctx, id)
	if err != nil || s.ImageIdentifier != "img" || s.Extension != "gif" {
		t.Fatalf("Resolve = %+v, %v", s, err)
	}
	if _, err := a.Resolve(ctx, "short"); !errors.Is(err, apperr.ErrShortURLNotFound) {
		t.Errorf("malformed id err = %v", err)
	}
	if err := a.Delete(ctx, "bob", "img", id); !errors.Is(err, apperr.ErrShortURLNotFound) {
		t.Errorf("delete by other user err = %v", err)
	}
	if err := a.DeleteAllForImage(ctx, "alice", "img"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Resolve(ctx, id); !errors.Is(err, apperr.ErrShortURLNotFound) {
		t.Errorf("after delete err = %v", err)
	}
}

func TestRandom(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		id, err := Random()
		if err != nil {
			t.Fatal(err)
		}
		if !Valid(id) {
			t.Fatalf("invalid id %q", id)
		}
		seen[id] = true
	}
	if len(seen) < 199 {
		t.Errorf("only %d distinct ids in 200 draws", len(seen))
	}
}
