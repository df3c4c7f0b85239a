package fallback

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"fallback/internal/codec"
	"fallback/internal/kv"
)

var (
	queueEntryPrefix = []byte("q:")
	queueSeqKey      = []byte("qs:next")
)

// ErrQueueClosed is returned by queue operations issued after Close.
var ErrQueueClosed = errors.New("write queue closed")

type queueOpKind int

const (
	queueOpPush queueOpKind = iota
	queueOpDelete
	queueOpClear
)

type queueOp struct {
	kind  queueOpKind
	entry QueueEntry
	key   uint64
	reply chan queueReply
}

type queueReply struct {
	key uint64
	err error
}

// writeQueue is the durable FIFO of deferred write requests. Keys are
// big-endian sequence numbers, so the store's key order is insertion order.
// All mutations go through one writer goroutine and are synced before the
// caller is answered.
type writeQueue struct {
	store kv.Store

	// next is owned by the writer goroutine.
	next   uint64
	length atomic.Int64

	ops    chan queueOp
	stopCh chan struct{}
	done   chan struct{}
}

func newWriteQueue(store kv.Store) (*writeQueue, error) {
	q := &writeQueue{
		store:  store,
		next:   1,
		ops:    make(chan queueOp, 64),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}

	b, err := store.Get(queueSeqKey)
	switch {
	case err == nil && len(b) == 8:
		q.next = binary.BigEndian.Uint64(b)
	case err == nil:
		return nil, fmt.Errorf("queue sequence: malformed value of %d bytes", len(b))
	case !errors.Is(err, kv.ErrNotFound):
		return nil, fmt.Errorf("queue sequence: %w", err)
	}

	var n int64
	err = store.Iterate(queueEntryPrefix, func(k, _ []byte) error {
		n++
		if key, ok := parseQueueKey(k); ok && key >= q.next {
			q.next = key + 1
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan queue: %w", err)
	}
	q.length.Store(n)

	go q.writerLoop()
	return q, nil
}

func (q *writeQueue) close() {
	close(q.stopCh)
	<-q.done
}

// Push appends e and returns its key once the write is durable.
func (q *writeQueue) Push(ctx context.Context, e QueueEntry) (uint64, error) {
	r, err := q.do(ctx, queueOp{kind: queueOpPush, entry: e})
	return r.key, err
}

// Delete removes the entry with the given key. Deleting a missing key is not
// an error.
func (q *writeQueue) Delete(ctx context.Context, key uint64) error {
	_, err := q.do(ctx, queueOp{kind: queueOpDelete, key: key})
	return err
}

func (q *writeQueue) Clear(ctx context.Context) error {
	_, err := q.do(ctx, queueOp{kind: queueOpClear})
	return err
}

// Entries returns a snapshot of the queue in insertion order. It does not
// remove anything.
func (q *writeQueue) Entries(ctx context.Context) ([]QueueEntry, error) {
	var out []QueueEntry
	err := q.store.Iterate(queueEntryPrefix, func(k, v []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		key, ok := parseQueueKey(k)
		if !ok {
			return nil
		}
		var e QueueEntry
		if err := codec.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("decode queue entry %d: %w", key, err)
		}
		e.Key = key
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (q *writeQueue) Len() int { return int(q.length.Load()) }

func (q *writeQueue) do(ctx context.Context, op queueOp) (queueReply, error) {
	op.reply = make(chan queueReply, 1)
	select {
	case <-q.stopCh:
		return queueReply{}, ErrQueueClosed
	default:
	}
	select {
	case q.ops <- op:
	case <-q.stopCh:
		return queueReply{}, ErrQueueClosed
	case <-ctx.Done():
		return queueReply{}, ctx.Err()
	}
	select {
	case r := <-op.reply:
		return r, r.err
	case <-q.done:
		select {
		case r := <-op.reply:
			return r, r.err
		default:
			return queueReply{}, ErrQueueClosed
		}
	case <-ctx.Done():
		return queueReply{}, ctx.Err()
	}
}

func (q *writeQueue) writerLoop() {
	defer close(q.done)
	for {
		select {
		case op := <-q.ops:
			op.reply <- q.apply(op)
		case <-q.stopCh:
			for {
				select {
				case op := <-q.ops:
					op.reply <- q.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (q *writeQueue) apply(op queueOp) queueReply {
	switch op.kind {
	case queueOpPush:
		return q.applyPush(op.entry)
	case queueOpDelete:
		return queueReply{err: q.applyDelete(op.key)}
	case queueOpClear:
		if _, err := kv.DeletePrefix(q.store, queueEntryPrefix, true); err != nil {
			return queueReply{err: fmt.Errorf("clear queue: %w", err)}
		}
		q.length.Store(0)
		return queueReply{}
	default:
		return queueReply{err: fmt.Errorf("unknown queue op %d", op.kind)}
	}
}

func (q *writeQueue) applyPush(e QueueEntry) queueReply {
	b, err := codec.Marshal(e)
	if err != nil {
		return queueReply{err: fmt.Errorf("encode queue entry: %w", err)}
	}
	key := q.next
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], key+1)

	batch := new(kv.Batch)
	batch.Put(queueKey(key), b)
	batch.Put(queueSeqKey, seq[:])
	if err := q.store.Write(batch, true); err != nil {
		return queueReply{err: fmt.Errorf("push queue entry: %w", err)}
	}
	q.next = key + 1
	q.length.Add(1)
	return queueReply{key: key}
}

func (q *writeQueue) applyDelete(key uint64) error {
	k := queueKey(key)
	if _, err := q.store.Get(k); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("delete queue entry %d: %w", key, err)
	}
	batch := new(kv.Batch)
	batch.Delete(k)
	if err := q.store.Write(batch, true); err != nil {
		return fmt.Errorf("delete queue entry %d: %w", key, err)
	}
	q.length.Add(-1)
	return nil
}

func queueKey(key uint64) []byte {
	b := make([]byte, len(queueEntryPrefix)+8)
	copy(b, queueEntryPrefix)
	binary.BigEndian.PutUint64(b[len(queueEntryPrefix):], key)
	return b
}

func parseQueueKey(k []byte) (uint64, bool) {
	if len(k) != len(queueEntryPrefix)+8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(k[len(queueEntryPrefix):]), true
}
