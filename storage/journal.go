package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/jup-ag/clone-protocol/events"
)

// Journal persists emitted events keyed by sequence id. It satisfies
// events.Emitter, so it plugs straight into the recorder fan-out.
type Journal struct {
	db Database
}

// NewJournal wraps a database as an event journal.
func NewJournal(db Database) *Journal {
	return &Journal{db: db}
}

type journalEntry struct {
	ID         uint64            `json:"id"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Emit stores the event. Events without a sequence id or attributes are
// journaled with what they carry; storage failures are dropped because
// the emitter contract has no error channel and the in-memory state
// already committed.
func (j *Journal) Emit(ev events.Event) {
	entry := journalEntry{Type: ev.EventType()}
	seq, ok := ev.(events.Sequenced)
	if !ok {
		return
	}
	entry.ID = seq.ID
	if attributed, ok := seq.Event.(events.Attributed); ok {
		entry.Attributes = attributed.Attributes()
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_ = j.db.Put(journalKey(entry.ID), raw)
}

// Lookup fetches a journaled event by sequence id.
func (j *Journal) Lookup(id uint64) (string, map[string]string, error) {
	raw, err := j.db.Get(journalKey(id))
	if err != nil {
		return "", nil, err
	}
	var entry journalEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return "", nil, fmt.Errorf("storage: decode journal entry: %w", err)
	}
	return entry.Type, entry.Attributes, nil
}

func journalKey(id uint64) []byte {
	key := make([]byte, 8+len("event/"))
	copy(key, "event/")
	binary.BigEndian.PutUint64(key[len("event/"):], id)
	return key
}
