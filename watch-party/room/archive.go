package room

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble/v2"
	"github.com/rs/zerolog/log"
)

const archiveQueueSize = 1024

var errArchiveClosed = errors.New("archive closed")

type archiveOp struct {
	code string
	msg  Message
	done chan struct{}
}

// Archive is a write-only chat transcript in Pebble. Keys are
// room/<CODE>/<8-byte big-endian seq>; values are JSON messages. Rooms are
// never rebuilt from it.
type Archive struct {
	db    *pebble.DB
	queue chan archiveOp
	next  map[string]uint64 // owned by the writer goroutine

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// OpenArchive opens (or creates) the transcript at dir. opts may be nil.
func OpenArchive(dir string, opts *pebble.Options) (*Archive, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	a := &Archive{
		db:    db,
		queue: make(chan archiveOp, archiveQueueSize),
		next:  make(map[string]uint64),
	}
	a.wg.Add(1)
	go a.writer()
	return a, nil
}

// Record queues msg for writing. It drops the message when the queue is full
// rather than stall the room.
func (a *Archive) Record(code string, msg Message) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- archiveOp{code: code, msg: msg}:
	default:
		log.Warn().Str("room", code).Str("id", msg.ID).Msg("[syncflix] archive queue full; message not archived")
	}
}

// Sync blocks until everything queued before it has been written.
func (a *Archive) Sync() error {
	done := make(chan struct{})
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return errArchiveClosed
	}
	a.queue <- archiveOp{done: done}
	a.mu.RUnlock()
	<-done
	return nil
}

func (a *Archive) writer() {
	defer a.wg.Done()
	for op := range a.queue {
		if op.done != nil {
			close(op.done)
			continue
		}
		if err := a.write(op.code, op.msg); err != nil {
			log.Error().Err(err).Str("room", op.code).Msg("[syncflix] archive write")
		}
	}
}

func (a *Archive) write(code string, msg Message) error {
	seq, ok := a.next[code]
	if !ok {
		last, err := a.lastSeq(code)
		if err != nil {
			return err
		}
		seq = last
	}
	val, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := a.db.Set(archiveKey(code, seq), val, pebble.Sync); err != nil {
		return err
	}
	a.next[code] = seq + 1
	return nil
}

// lastSeq finds the next free sequence for code from what is already on disk.
func (a *Archive) lastSeq(code string) (uint64, error) {
	lower, upper := archiveBounds(code)
	it, err := a.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return 0, err
	}
	defer func() { _ = it.Close() }()
	if !it.Last() {
		return 0, nil
	}
	key := it.Key()
	if len(key) < 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(key[len(key)-8:]) + 1, nil
}

// Transcript returns the archived messages of code, oldest first. limit > 0
// keeps only the most recent limit messages.
func (a *Archive) Transcript(code string, limit int) ([]Message, error) {
	lower, upper := archiveBounds(NormalizeCode(code))
	it, err := a.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	var out []Message
	if limit > 0 {
		for ok := it.Last(); ok && len(out) < limit; ok = it.Prev() {
			var m Message
			if err := json.Unmarshal(it.Value(), &m); err == nil {
				out = append(out, m)
			}
		}
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
		return out, nil
	}
	for it.First(); it.Valid(); it.Next() {
		var m Message
		if err := json.Unmarshal(it.Value(), &m); err == nil {
			out = append(out, m)
		}
	}
	return out, nil
}

// Close drains the queue and closes the database.
func (a *Archive) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	a.wg.Wait()
	return a.db.Close()
}

func archivePrefix(code string) []byte {
	return []byte("room/" + code + "/")
}

func archiveKey(code string, seq uint64) []byte {
	prefix := archivePrefix(code)
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)
	return key
}

func archiveBounds(code string) (lower, upper []byte) {
	lower = archivePrefix(code)
	upper = append([]byte(nil), lower...)
	upper[len(upper)-1]++ // '/' + 1
	return lower, upper
}
