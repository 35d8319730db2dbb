package embedding

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// SharedStore is the second cache tier, shared across processes or runs.
type SharedStore interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	// PutIfAbsent stores vec unless key already has a value, and returns the
	// value that is stored afterwards.
	PutIfAbsent(ctx context.Context, key string, vec []float32) ([]float32, error)
	Close() error
}

type BadgerConfig struct {
	Path     string
	InMemory bool
	TTL      time.Duration
	Logger   *slog.Logger
}

// BadgerStore keeps embeddings in BadgerDB.
type BadgerStore struct {
	db  *badger.DB
	ttl time.Duration
}

var _ SharedStore = (*BadgerStore)(nil)

const badgerKeyPrefix = "emb:"

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent embedding cache")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerStore{db: db, ttl: cfg.TTL}, nil
}

func (s *BadgerStore) Get(_ context.Context, key string) ([]float32, bool, error) {
	var vec []float32
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerKeyPrefix + key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			vec, err = decodeVector(val)
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read embedding: %w", err)
	}
	return vec, true, nil
}

func (s *BadgerStore) PutIfAbsent(_ context.Context, key string, vec []float32) ([]float32, error) {
	k := []byte(badgerKeyPrefix + key)
	for attempt := 0; attempt < 3; attempt++ {
		var stored []float32
		err := s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(k)
			switch {
			case err == nil:
				return item.Value(func(val []byte) error {
					stored, err = decodeVector(val)
					return err
				})
			case !errors.Is(err, badger.ErrKeyNotFound):
				return err
			}
			e := badger.NewEntry(k, encodeVector(vec))
			if s.ttl > 0 {
				e = e.WithTTL(s.ttl)
			}
			stored = vec
			return txn.SetEntry(e)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("write embedding: %w", err)
		}
		return stored, nil
	}
	return nil, fmt.Errorf("write embedding: %w", badger.ErrConflict)
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("corrupt embedding of %d bytes", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec, nil
}
