package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/boltdb/bolt"

	logx "jobsched/pkg/logx"
)

var runsBucket = []byte("runs")

// boltStore keys records by a big-endian sequence so a reverse cursor walk is
// newest first.
type boltStore struct {
	db      *bolt.DB
	log     logx.Logger
	maxRows int
	writes  atomic.Uint64
}

const boltPruneEvery = 100

func openBolt(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for bolt driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	timeout := cfg.BusyTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(runsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	st := &boltStore{db: db, log: log, maxRows: max(cfg.MaxRows, 0)}
	if st.maxRows > 0 {
		if err := db.Update(func(tx *bolt.Tx) error { return st.prune(tx.Bucket(runsBucket)) }); err != nil {
			log.Debug("run history prune failed", logx.Err(err))
		}
	}
	return st, nil
}

func (s *boltStore) Close() error { return s.db.Close() }

func (s *boltStore) AppendRun(ctx context.Context, r RunRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	buf, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(runsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), buf); err != nil {
			return err
		}
		if s.maxRows > 0 && s.writes.Add(1)%boltPruneEvery == 0 {
			return s.prune(b)
		}
		return nil
	})
}

// prune keeps the newest maxRows records. Keys are collected first since
// deleting under a moving cursor skips entries.
func (s *boltStore) prune(b *bolt.Bucket) error {
	var stale [][]byte
	c := b.Cursor()
	n := 0
	for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
		if n++; n > s.maxRows {
			stale = append(stale, append([]byte(nil), k...))
		}
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	if len(stale) > 0 {
		s.log.Debug("run history pruned", logx.Int("dropped", len(stale)))
	}
	return nil
}

func (s *boltStore) ListRuns(ctx context.Context, q Query) ([]RunRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := q.limit()
	var out []RunRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(runsBucket).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var r RunRecord
			if err := json.Unmarshal(v, &r); err != nil {
				s.log.Debug("skipping unreadable run record", logx.Err(err))
				continue
			}
			if q.match(r) {
				out = append(out, r)
			}
		}
		return nil
	})
	return out, err
}

func seqKey(n uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, n)
	return k
}
