// Package ledger keeps a durable record of every chunk that reached the
// content-addressed store.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

const prefix = "ledger/"

// Ledger stores entries in badger under ledger/<stream>/<index>/<session>.
// Indexes are zero padded so keys of one stream sort in chunk order.
type Ledger struct {
	db  *badger.DB
	log logrus.FieldLogger
}

// New wraps an open database. The caller keeps ownership of db.
func New(db *badger.DB, log logrus.FieldLogger) *Ledger {
	if log == nil {
		log = logrus.New()
	}
	return &Ledger{db: db, log: log}
}

// ValidStreamID reports whether id can be used as a key segment.
func ValidStreamID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "/\x00")
}

func entryKey(e Entry) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s", prefix, e.StreamID, e.Index, e.SessionID))
}

// Put records e. An entry with the same stream, index and session is
// replaced.
func (l *Ledger) Put(e Entry) error {
	if !ValidStreamID(e.StreamID) {
		return fmt.Errorf("ledger: invalid stream id %q", e.StreamID)
	}
	if e.Address == "" {
		return errors.New("ledger: entry without address")
	}
	err := l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(e), entryToByte(e))
	})
	if err != nil {
		return fmt.Errorf("ledger: put %s/%d: %w", e.StreamID, e.Index, err)
	}
	l.log.WithFields(logrus.Fields{
		"stream":  e.StreamID,
		"chunk":   e.Index,
		"address": e.Address,
	}).Debug("ledger entry recorded")
	return nil
}

// List returns the entries of one stream in chunk order.
func (l *Ledger) List(streamID string) ([]Entry, error) {
	if !ValidStreamID(streamID) {
		return nil, fmt.Errorf("ledger: invalid stream id %q", streamID)
	}
	return l.scan([]byte(prefix + streamID + "/"))
}

// All returns every entry, grouped by stream and in chunk order.
func (l *Ledger) All() ([]Entry, error) {
	return l.scan([]byte(prefix))
}

// Streams returns the ids of all streams with at least one entry.
func (l *Ledger) Streams() ([]string, error) {
	entries, err := l.All()
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var ids []string
	for _, e := range entries {
		if !seen[e.StreamID] {
			seen[e.StreamID] = true
			ids = append(ids, e.StreamID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// NextIndex returns one past the highest chunk index recorded for the
// stream, or zero.
func (l *Ledger) NextIndex(streamID string) (uint64, error) {
	var next uint64
	p := []byte(prefix + streamID + "/")
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = p
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), string(p))
			idx, _, _ := strings.Cut(rest, "/")
			n, err := strconv.ParseUint(idx, 10, 64)
			if err != nil {
				continue
			}
			if n+1 > next {
				next = n + 1
			}
		}
		return nil
	})
	return next, err
}

func (l *Ledger) scan(p []byte) ([]Entry, error) {
	var entries []Entry
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = p
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			err := item.Value(func(v []byte) error {
				e, err := byteToEntry(v)
				if err != nil {
					return fmt.Errorf("%s: %w", item.Key(), err)
				}
				entries = append(entries, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: scan: %w", err)
	}
	return entries, nil
}
