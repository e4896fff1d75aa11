package offline0

import (
	"context"
	"encoding/binary"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Queue durably remembers mutating requests that could not reach the origin.
type Queue interface {
	// Enqueue assigns ID, Seq and CreatedAt and persists the action.
	Enqueue(ctx context.Context, a OfflineAction) (OfflineAction, error)
	// Pending yields queued actions oldest first. Each call starts a fresh
	// enumeration; iteration stops at the first error.
	Pending(ctx context.Context) iter.Seq2[OfflineAction, error]
	// Remove deletes id. Removing an unknown id is a no-op.
	Remove(ctx context.Context, id string) error
	Len(ctx context.Context) (int, error)
	Close() error
}

const (
	prefixQueue   = "q:"
	prefixQueueID = "qi:"
	keyQueueSeq   = "qseq"
)

type levelQueue struct {
	db *leveldb.DB

	// mu makes sequence allocation and the enqueue batch one step.
	mu  sync.Mutex
	seq uint64
}

func newLevelQueue(db *leveldb.DB) (*levelQueue, error) {
	q := &levelQueue{db: db}
	b, err := db.Get([]byte(keyQueueSeq), nil)
	switch {
	case err == leveldb.ErrNotFound:
	case err != nil:
		return nil, err
	case len(b) == 8:
		q.seq = binary.BigEndian.Uint64(b)
	default:
		return nil, fmt.Errorf("corrupt queue sequence")
	}
	return q, nil
}

func queueKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixQueue, seq))
}

func (q *levelQueue) Enqueue(ctx context.Context, a OfflineAction) (OfflineAction, error) {
	if err := ctx.Err(); err != nil {
		return OfflineAction{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	a.ID = uuid.NewString()
	a.Seq = q.seq + 1
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	b, err := encodeGob(a)
	if err != nil {
		return OfflineAction{}, err
	}
	seqb := make([]byte, 8)
	binary.BigEndian.PutUint64(seqb, a.Seq)

	batch := new(leveldb.Batch)
	batch.Put(queueKey(a.Seq), b)
	batch.Put([]byte(prefixQueueID+a.ID), seqb)
	batch.Put([]byte(keyQueueSeq), seqb)
	if err := q.db.Write(batch, nil); err != nil {
		return OfflineAction{}, fmt.Errorf("persist offline action: %w", err)
	}
	q.seq = a.Seq
	return a, nil
}

func (q *levelQueue) Pending(ctx context.Context) iter.Seq2[OfflineAction, error] {
	return func(yield func(OfflineAction, error) bool) {
		snap, err := q.db.GetSnapshot()
		if err != nil {
			yield(OfflineAction{}, err)
			return
		}
		defer snap.Release()
		it := snap.NewIterator(util.BytesPrefix([]byte(prefixQueue)), nil)
		defer it.Release()
		for it.Next() {
			if err := ctx.Err(); err != nil {
				yield(OfflineAction{}, err)
				return
			}
			var a OfflineAction
			if err := decodeGob(it.Value(), &a); err != nil {
				if !yield(OfflineAction{}, fmt.Errorf("decode %s: %w", it.Key(), err)) {
					return
				}
				continue
			}
			if !yield(a, nil) {
				return
			}
		}
		if err := it.Error(); err != nil {
			yield(OfflineAction{}, err)
		}
	}
}

func (q *levelQueue) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	seqb, err := q.db.Get([]byte(prefixQueueID+id), nil)
	if err == leveldb.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if len(seqb) != 8 {
		return fmt.Errorf("corrupt queue index for %s", id)
	}
	batch := new(leveldb.Batch)
	batch.Delete(queueKey(binary.BigEndian.Uint64(seqb)))
	batch.Delete([]byte(prefixQueueID + id))
	return q.db.Write(batch, nil)
}

func (q *levelQueue) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	it := q.db.NewIterator(util.BytesPrefix([]byte(prefixQueue)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

// Close is a no-op; the DB belongs to the Service.
func (q *levelQueue) Close() error { return nil }
