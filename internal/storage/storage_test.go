package storage

import (
	"bytes"
	"errors"
	"testing"
)

// testBackend runs the shared behavioral suite against any Backend.
func testBackend(t *testing.T, b Backend) {
	t.Helper()

	t.Run("PutAndGet", func(t *testing.T) {
		err := WithCursor(b, true, func(c Cursor) error {
			return c.Put([]byte("key1"), []byte("value1"))
		})
		if err != nil {
			t.Fatalf("put: %v", err)
		}

		var got []byte
		err = WithCursor(b, false, func(c Cursor) error {
			v, err := c.Get([]byte("key1"))
			got = v
			return err
		})
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !bytes.Equal(got, []byte("value1")) {
			t.Errorf("got %q, want %q", got, "value1")
		}
	})

	t.Run("GetNonexistent", func(t *testing.T) {
		err := WithCursor(b, false, func(c Cursor) error {
			_, err := c.Get([]byte("nonexistent"))
			return err
		})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("RollbackDiscardsWrites", func(t *testing.T) {
		c, err := b.Begin(true)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := c.Put([]byte("rb"), []byte("should-not-stick")); err != nil {
			t.Fatalf("put: %v", err)
		}
		if err := c.Rollback(); err != nil {
			t.Fatalf("rollback: %v", err)
		}

		err = WithCursor(b, false, func(c Cursor) error {
			_, err := c.Get([]byte("rb"))
			return err
		})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("rolled-back key should be absent, got err=%v", err)
		}
	})

	t.Run("WithCursorRollsBackOnError", func(t *testing.T) {
		sentinel := errors.New("boom")
		err := WithCursor(b, true, func(c Cursor) error {
			c.Put([]byte("partial"), []byte("x"))
			return sentinel
		})
		if !errors.Is(err, sentinel) {
			t.Fatalf("err = %v, want sentinel", err)
		}

		err = WithCursor(b, false, func(c Cursor) error {
			_, err := c.Get([]byte("partial"))
			return err
		})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("failed transaction should not persist writes, got err=%v", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		WithCursor(b, true, func(c Cursor) error {
			return c.Put([]byte("del"), []byte("value"))
		})
		err := WithCursor(b, true, func(c Cursor) error {
			return c.Delete([]byte("del"))
		})
		if err != nil {
			t.Fatalf("delete: %v", err)
		}

		var has bool
		WithCursor(b, false, func(c Cursor) error {
			h, err := c.Has([]byte("del"))
			has = h
			return err
		})
		if has {
			t.Error("key should be gone after delete")
		}
	})

	t.Run("ForEach", func(t *testing.T) {
		WithCursor(b, true, func(c Cursor) error {
			c.Put([]byte("prefix/c"), []byte("3"))
			c.Put([]byte("prefix/a"), []byte("1"))
			c.Put([]byte("other/x"), []byte("4"))
			return nil
		})

		// A write staged in the same cursor must be visible to iteration,
		// and the whole walk must come back in ascending key order.
		var keys []string
		WithCursor(b, true, func(c Cursor) error {
			if err := c.Put([]byte("prefix/b"), []byte("2")); err != nil {
				return err
			}
			return c.ForEach([]byte("prefix/"), func(key, value []byte) error {
				keys = append(keys, string(key))
				return nil
			})
		})
		want := []string{"prefix/a", "prefix/b", "prefix/c"}
		if len(keys) != len(want) {
			t.Fatalf("ForEach(prefix/) returned %d keys, want 3: %v", len(keys), keys)
		}
		for i := range want {
			if keys[i] != want[i] {
				t.Fatalf("keys not in ascending order: got %v, want %v", keys, want)
			}
		}
	})
}

func TestMemoryBackend(t *testing.T) {
	b := NewMemory()
	defer b.Close()
	testBackend(t, b)
}

func TestBadgerBackend(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBadger(dir)
	if err != nil {
		t.Fatalf("NewBadger: %v", err)
	}
	defer b.Close()
	testBackend(t, b)
}

func TestPrefixBackend_Isolation(t *testing.T) {
	inner := NewMemory()
	a := NewPrefixBackend(inner, []byte("a/"))
	bb := NewPrefixBackend(inner, []byte("b/"))

	WithCursor(a, true, func(c Cursor) error { return c.Put([]byte("key"), []byte("fromA")) })
	WithCursor(bb, true, func(c Cursor) error { return c.Put([]byte("key"), []byte("fromB")) })

	var gotA, gotB []byte
	WithCursor(a, false, func(c Cursor) error {
		v, err := c.Get([]byte("key"))
		gotA = v
		return err
	})
	WithCursor(bb, false, func(c Cursor) error {
		v, err := c.Get([]byte("key"))
		gotB = v
		return err
	})

	if string(gotA) != "fromA" || string(gotB) != "fromB" {
		t.Fatalf("got A=%q B=%q, want fromA/fromB", gotA, gotB)
	}
}

func TestMemoryBackend_SupportsConcurrentReaders(t *testing.T) {
	if NewMemory().SupportsConcurrentReaders() {
		t.Error("memory backend should report false")
	}
}

func TestBadgerBackend_SupportsConcurrentReaders(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBadger(dir)
	if err != nil {
		t.Fatalf("NewBadger: %v", err)
	}
	defer b.Close()
	if !b.SupportsConcurrentReaders() {
		t.Error("badger backend should report true")
	}
}
