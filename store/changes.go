package store

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.docstore.dev/sqlite/metrics"
	"go.docstore.dev/sqlite/schema"
)

// Checkpoint is an opaque cursor marking the last change-log position a
// caller has consumed. The zero Checkpoint reads from the beginning.
type Checkpoint struct {
	Sequence int64
}

// ChangedDocument is one entry of a ChangedSince result: the document's
// current state, or a deletion stub.
type ChangedDocument struct {
	DocumentID string
	// Document is the current state, or nil if the row was physically
	// purged by Cleanup after its soft deletion.
	Document Document
	Deleted  bool
	Rev      string
}

// ChangesResult holds changed documents and the checkpoint to resume
// from.
type ChangesResult struct {
	Documents  []ChangedDocument
	Checkpoint Checkpoint
}

// ChangeEvent is one write notification published to stream subscribers.
type ChangeEvent struct {
	DocumentID string
	Document   Document
	Deleted    bool
	Rev        string
	Sequence   int64
}

// ChangedSince returns documents written after |cp|, in write order, with
// at most one entry per document (the change log keeps only each
// document's latest position). A |limit| <= 0 returns all pending
// changes. The returned checkpoint resumes after the last entry; if no
// changes are pending it equals |cp|.
func (i *Instance) ChangedSince(cp Checkpoint, limit int) (ChangesResult, error) {
	var res = ChangesResult{Checkpoint: cp}
	if err := i.requireOpen(); err != nil {
		return res, err
	}

	var stmt = i.stmtChanges
	if limit > 0 {
		stmt = fmt.Sprintf("%s LIMIT %d", stmt, limit)
	}
	prepared, err := i.conn.Prepare(stmt)
	if err != nil {
		return res, err
	}
	rows, err := prepared.Query(cp.Sequence)
	if err != nil {
		return res, errors.WithMessage(err, "querying change log")
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		var docID, rev string
		var deleted int64

		var targets = []interface{}{&seq, &docID, &deleted, &rev}
		var docTargets = make([]interface{}, 0, len(i.spec.Columns)+2)
		for range i.spec.Columns {
			docTargets = append(docTargets, new(sql.NullString))
		}
		var rowDeleted sql.NullInt64
		var rowRev sql.NullString
		docTargets = append(docTargets, &rowDeleted, &rowRev)

		if err = rows.Scan(append(targets, docTargets...)...); err != nil {
			return res, errors.WithMessage(err, "scanning change row")
		}

		var entry = ChangedDocument{
			DocumentID: docID,
			Deleted:    deleted != 0,
			Rev:        rev,
		}
		// The joined document row is absent once Cleanup purged it.
		if rowRev.Valid {
			if entry.Document, err = i.decodeColumns(docTargets); err != nil {
				return res, err
			}
		}
		res.Documents = append(res.Documents, entry)
		res.Checkpoint = Checkpoint{Sequence: seq}
	}
	return res, rows.Err()
}

func (i *Instance) changesTable() string {
	return i.table + "__changes"
}

// changesDDL renders the change log's CREATE TABLE. AUTOINCREMENT (rather
// than bare rowid allocation) guarantees sequences are strictly
// increasing and never reused, even after rows are replaced or pruned.
func (i *Instance) changesDDL() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	doc_id TEXT NOT NULL UNIQUE,
	%q INTEGER NOT NULL,
	%q TEXT NOT NULL
);`, i.changesTable(), schema.DeletedColumn, schema.RevColumn)
}

// subscriberBuffer is the channel capacity of each stream subscriber.
// A subscriber which falls this far behind drops events.
const subscriberBuffer = 64

// ChangeStream is the subscribable notification surface of a collection
// instance. Events are published after the writing batch commits.
type ChangeStream struct {
	mu     sync.Mutex
	subs   map[int]chan ChangeEvent
	nextID int
	closed bool
}

func newChangeStream() *ChangeStream {
	return &ChangeStream{subs: make(map[int]chan ChangeEvent)}
}

// Subscribe registers a new subscriber and returns its event channel with
// a cancel function. The channel closes on cancel or when the instance
// closes.
func (s *ChangeStream) Subscribe() (<-chan ChangeEvent, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ch = make(chan ChangeEvent, subscriberBuffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	var id = s.nextID
	s.nextID++
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
}

// publish fans events out to subscribers. Delivery is best-effort: a
// full subscriber channel drops the event rather than blocking the
// writer.
func (s *ChangeStream) publish(events []ChangeEvent) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, ev := range events {
		for _, sub := range s.subs {
			select {
			case sub <- ev:
				metrics.ChangeEventsTotal.Inc()
			default:
				log.WithField("documentID", ev.DocumentID).
					Warn("change stream subscriber is not keeping up; dropping event")
			}
		}
	}
}

func (s *ChangeStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub)
	}
}
