package tiered

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

// mapCache is an in-memory cache.Cache with injectable errors.
type mapCache struct {
	entries map[string][]byte

	getErr    error
	setErr    error
	deleteErr error
	sets      int
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string][]byte)}
}

func (m *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	v, ok := m.entries[key]
	return v, ok, nil
}

func (m *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	if m.setErr != nil {
		return m.setErr
	}
	m.sets++
	m.entries[key] = value
	return nil
}

func (m *mapCache) Delete(_ context.Context, key string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.entries, key)
	return nil
}

func TestGetL1Hit(t *testing.T) {
	l1, l2 := newMapCache(), newMapCache()
	l1.entries["k"] = []byte("local")
	l2.entries["k"] = []byte("shared")
	c := New(l1, l2, time.Minute)

	v, ok, err := c.Get(context.Background(), "k")
	if err != nil || !ok {
		t.Fatalf("get = (%v, %v)", ok, err)
	}
	if !bytes.Equal(v, []byte("local")) {
		t.Errorf("value = %q, want local tier to win", v)
	}
}

func TestGetL2HitBackfillsL1(t *testing.T) {
	l1, l2 := newMapCache(), newMapCache()
	l2.entries["k"] = []byte("shared")
	c := New(l1, l2, time.Minute)

	v, ok, err := c.Get(context.Background(), "k")
	if err != nil || !ok {
		t.Fatalf("get = (%v, %v)", ok, err)
	}
	if !bytes.Equal(v, []byte("shared")) {
		t.Errorf("value = %q", v)
	}
	if !bytes.Equal(l1.entries["k"], []byte("shared")) {
		t.Error("L2 hit not backfilled into L1")
	}
}

func TestGetMissBothTiers(t *testing.T) {
	c := New(newMapCache(), newMapCache(), time.Minute)

	_, ok, err := c.Get(context.Background(), "nope")
	if err != nil || ok {
		t.Errorf("get = (%v, %v), want clean miss", ok, err)
	}
}

func TestSetWritesBothTiers(t *testing.T) {
	l1, l2 := newMapCache(), newMapCache()
	c := New(l1, l2, time.Minute)

	if err := c.Set(context.Background(), "k", []byte("v"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if l1.sets != 1 || l2.sets != 1 {
		t.Errorf("sets = (%d, %d), want (1, 1)", l1.sets, l2.sets)
	}
}

func TestSetL1FailureStopsWrite(t *testing.T) {
	l1, l2 := newMapCache(), newMapCache()
	l1.setErr = errors.New("full")
	c := New(l1, l2, time.Minute)

	if err := c.Set(context.Background(), "k", []byte("v"), time.Minute); err == nil {
		t.Fatal("expected set to fail")
	}
	if l2.sets != 0 {
		t.Error("L2 written despite L1 failure")
	}
}

func TestDeleteReachesL2DespiteL1Failure(t *testing.T) {
	l1, l2 := newMapCache(), newMapCache()
	l2.entries["k"] = []byte("v")
	l1Err := errors.New("l1 broken")
	l1.deleteErr = l1Err
	c := New(l1, l2, time.Minute)

	err := c.Delete(context.Background(), "k")
	if !errors.Is(err, l1Err) {
		t.Errorf("got %v, want the L1 error", err)
	}
	if _, ok := l2.entries["k"]; ok {
		t.Error("shared entry survived delete")
	}
}

func TestDeleteL2ErrorWins(t *testing.T) {
	l1, l2 := newMapCache(), newMapCache()
	l2Err := errors.New("l2 broken")
	l2.deleteErr = l2Err
	c := New(l1, l2, time.Minute)

	if err := c.Delete(context.Background(), "k"); !errors.Is(err, l2Err) {
		t.Errorf("got %v, want the L2 error", err)
	}
}
