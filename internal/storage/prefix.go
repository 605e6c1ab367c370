package storage

// PrefixBackend wraps a Backend and prepends a fixed prefix to every key, so
// each component (chain index, UTXO set, mempool, invalid cache) can own an
// isolated namespace within one underlying database. The prefix is
// applied by the cursor it hands out, not by the backend itself.
type PrefixBackend struct {
	inner  Backend
	prefix []byte
}

// NewPrefixBackend returns a Backend whose cursors transparently prefix
// every key with prefix and strip it back off on ForEach iteration.
func NewPrefixBackend(inner Backend, prefix []byte) *PrefixBackend {
	p := make([]byte, len(prefix))
	copy(p, prefix)
	return &PrefixBackend{inner: inner, prefix: p}
}

func (p *PrefixBackend) Begin(writable bool) (Cursor, error) {
	c, err := p.inner.Begin(writable)
	if err != nil {
		return nil, err
	}
	return &prefixCursor{inner: c, prefix: p.prefix}, nil
}

func (p *PrefixBackend) SupportsConcurrentReaders() bool {
	return p.inner.SupportsConcurrentReaders()
}

// Close is a no-op: the inner Backend owns the underlying engine's lifecycle.
func (p *PrefixBackend) Close() error { return nil }

type prefixCursor struct {
	inner  Cursor
	prefix []byte
}

func (c *prefixCursor) prefixed(key []byte) []byte {
	out := make([]byte, len(c.prefix)+len(key))
	copy(out, c.prefix)
	copy(out[len(c.prefix):], key)
	return out
}

func (c *prefixCursor) Get(key []byte) ([]byte, error) {
	return c.inner.Get(c.prefixed(key))
}

func (c *prefixCursor) Put(key, value []byte) error {
	return c.inner.Put(c.prefixed(key), value)
}

func (c *prefixCursor) Delete(key []byte) error {
	return c.inner.Delete(c.prefixed(key))
}

func (c *prefixCursor) Has(key []byte) (bool, error) {
	return c.inner.Has(c.prefixed(key))
}

// ForEach strips the namespace prefix back off before invoking fn, so
// callers see only their own logical keyspace.
func (c *prefixCursor) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	full := c.prefixed(prefix)
	return c.inner.ForEach(full, func(key, value []byte) error {
		return fn(key[len(c.prefix):], value)
	})
}

func (c *prefixCursor) Commit() error   { return c.inner.Commit() }
func (c *prefixCursor) Rollback() error { return c.inner.Rollback() }
