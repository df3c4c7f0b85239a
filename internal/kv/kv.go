// Package kv is the embedded durable store behind the response cache and the
// write queue. Two engines are available: goleveldb (the default) and badger.
// Both guarantee durability across restarts and ascending key iteration.
package kv

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: not found")

const (
	EngineLevelDB = "leveldb"
	EngineBadger  = "badger"
)

// Store is an ordered key-value store. Implementations are safe for
// concurrent use, but callers in this repo funnel writes through a single
// goroutine per keyspace anyway.
type Store interface {
	Get(key []byte) ([]byte, error)

	// Write applies the batch atomically. When sync is true the write is
	// flushed to stable storage before Write returns.
	Write(b *Batch, sync bool) error

	// Iterate calls fn for every key with the given prefix in ascending key
	// order. Key and value slices are copies owned by fn. A non-nil error
	// from fn stops the iteration and is returned.
	Iterate(prefix []byte, fn func(key, value []byte) error) error

	Close() error
}

type batchOp struct {
	key    []byte
	value  []byte
	delete bool
}

// Batch collects puts and deletes applied together by Store.Write.
type Batch struct {
	ops []batchOp
}

func (b *Batch) Put(key, value []byte) {
	b.ops = append(b.ops, batchOp{key: key, value: value})
}

func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{key: key, delete: true})
}

func (b *Batch) Len() int { return len(b.ops) }

// Config selects and configures an engine.
type Config struct {
	// Engine is "leveldb" or "badger". Empty means leveldb.
	Engine string

	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in memory. Meant for tests.
	InMemory bool

	// Logger receives engine diagnostics. Nil disables them.
	Logger *zerolog.Logger
}

// Open opens the configured engine.
func Open(cfg Config) (Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("kv: path is required for a persistent store")
	}
	switch strings.ToLower(cfg.Engine) {
	case "", EngineLevelDB:
		return openLevelDB(cfg)
	case EngineBadger:
		return openBadger(cfg)
	default:
		return nil, fmt.Errorf("kv: unknown engine %q", cfg.Engine)
	}
}

// DeletePrefix removes every key with the given prefix in one batch.
func DeletePrefix(s Store, prefix []byte, sync bool) (int, error) {
	batch := new(Batch)
	err := s.Iterate(prefix, func(key, _ []byte) error {
		batch.Delete(key)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := s.Write(batch, sync); err != nil {
		return 0, err
	}
	return batch.Len(), nil
}
