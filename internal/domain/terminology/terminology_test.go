package terminology

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeResolver struct {
	calls    int
	concepts map[string]*Concept
}

func (f *fakeResolver) Resolve(_ context.Context, code string) (*Concept, error) {
	f.calls++
	if c, ok := f.concepts[code]; ok {
		return c, nil
	}
	return nil, ErrNotFound
}

type fakeCache struct {
	data map[string]string
}

func (f *fakeCache) Get(_ context.Context, key string) *redis.StringCmd {
	if v, ok := f.data[key]; ok {
		return redis.NewStringResult(v, nil)
	}
	return redis.NewStringResult("", redis.Nil)
}

func (f *fakeCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	f.data[key] = string(value.([]byte))
	return redis.NewStatusResult("OK", nil)
}

func TestCachedResolver_MissThenHit(t *testing.T) {
	inner := &fakeResolver{concepts: map[string]*Concept{
		"LOINC:8302-2": {Code: "LOINC:8302-2", Display: "Body height"},
	}}
	cache := &fakeCache{data: map[string]string{}}
	r := &CachedResolver{inner: inner, cache: cache, ttl: time.Minute}

	c, err := r.Resolve(context.Background(), "LOINC:8302-2")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if c.Display != "Body height" {
		t.Errorf("Display = %q, want %q", c.Display, "Body height")
	}
	if inner.calls != 1 {
		t.Fatalf("inner calls = %d, want 1", inner.calls)
	}

	if _, err := r.Resolve(context.Background(), "LOINC:8302-2"); err != nil {
		t.Fatalf("Resolve (cached): %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("inner calls after cache hit = %d, want 1", inner.calls)
	}
}

func TestCachedResolver_NotFoundNotCached(t *testing.T) {
	inner := &fakeResolver{concepts: map[string]*Concept{}}
	cache := &fakeCache{data: map[string]string{}}
	r := &CachedResolver{inner: inner, cache: cache, ttl: time.Minute}

	if _, err := r.Resolve(context.Background(), "NOPE"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if len(cache.data) != 0 {
		t.Errorf("cache entries = %d, want 0", len(cache.data))
	}
}

func TestHTTPResolver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/concepts/SCTID:271649006":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(Concept{
				Code:    "SCTID:271649006",
				Display: "Systolic blood pressure",
				Path:    `\Vitals\BP\Systolic\`,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	r := NewHTTPResolver(srv.URL, 2*time.Second)

	c, err := r.Resolve(context.Background(), "SCTID:271649006")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if c.Display != "Systolic blood pressure" {
		t.Errorf("Display = %q", c.Display)
	}

	if _, err := r.Resolve(context.Background(), "MISSING"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
