package roomstore

import (
	"encoding/json"
	"fmt"
	"log"
)

// ChangeKind identifies which of the three wire variants a Change
// carries. See spec.md §6 "Change feed wire form".
type ChangeKind int

const (
	// ChangeWipeAll instructs the consumer to discard all local state
	// before applying the rest of the batch. It appears at most once
	// per batch and, if present, is always first.
	ChangeWipeAll ChangeKind = iota
	// ChangePut instructs the consumer to store State under
	// State's own "id" field.
	ChangePut
	// ChangeDelete instructs the consumer to remove ID.
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeWipeAll:
		return "WIPE_ALL"
	case ChangePut:
		return "PUT"
	case ChangeDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Change is one entry in an incremental change-feed batch. It behaves
// like a closed sum type: exactly one of State/ID is meaningful,
// selected by Kind.
type Change struct {
	kind  ChangeKind
	state []byte
	id    string
}

// Kind reports which variant this Change is.
func (c Change) Kind() ChangeKind { return c.kind }

// State returns the document state for a ChangePut change. It is nil
// for other kinds.
func (c Change) State() []byte { return c.state }

// ID returns the document id for a ChangeDelete change. It is empty for
// other kinds.
func (c Change) ID() string { return c.id }

func newWipeAllChange() Change          { return Change{kind: ChangeWipeAll} }
func newPutChange(state []byte) Change { return Change{kind: ChangePut, state: state} }
func newDeleteChange(id string) Change { return Change{kind: ChangeDelete, id: id} }

// MarshalJSON encodes a Change as a tagged array: ["WIPE_ALL"],
// ["PUT", state], or ["DELETE", id] — matching spec.md §6's wire form.
func (c Change) MarshalJSON() ([]byte, error) {
	switch c.kind {
	case ChangeWipeAll:
		return json.Marshal([1]string{c.kind.String()})
	case ChangePut:
		return json.Marshal([2]any{c.kind.String(), json.RawMessage(c.state)})
	case ChangeDelete:
		return json.Marshal([2]string{c.kind.String(), c.id})
	default:
		return nil, fmt.Errorf("roomstore: unknown change kind %d", c.kind)
	}
}

// UnmarshalJSON decodes a Change from its tagged-array wire form.
func (c *Change) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) == 0 {
		return fmt.Errorf("roomstore: empty change")
	}
	var tag string
	if err := json.Unmarshal(raw[0], &tag); err != nil {
		return err
	}
	switch tag {
	case "WIPE_ALL":
		*c = newWipeAllChange()
	case "PUT":
		if len(raw) != 2 {
			return fmt.Errorf("roomstore: PUT change missing state")
		}
		*c = newPutChange([]byte(raw[1]))
	case "DELETE":
		if len(raw) != 2 {
			return fmt.Errorf("roomstore: DELETE change missing id")
		}
		var id string
		if err := json.Unmarshal(raw[1], &id); err != nil {
			return err
		}
		*c = newDeleteChange(id)
	default:
		return fmt.Errorf("roomstore: unknown change tag %q", tag)
	}
	return nil
}

// GetChangesSince computes the incremental change feed for a client
// cursor, per spec.md §4.C. A sinceClock of -1 (or any negative value)
// means "from the beginning" and is also what a corrupted cursor
// resets to internally.
func (t *Txn) GetChangesSince(sinceClock int64) ([]Change, error) {
	currentClock, err := getClock(t.ctx, t.tx)
	if err != nil {
		return nil, err
	}
	watermark, err := getTombstoneHistoryStart(t.ctx, t.tx)
	if err != nil {
		return nil, err
	}

	if sinceClock == currentClock {
		return nil, nil
	}
	if sinceClock > currentClock {
		log.Printf("roomstore: getChangesSince: sinceClock=%d exceeds clock=%d, resetting to full resync",
			sinceClock, currentClock)
		sinceClock = -1
	}

	var changes []Change
	if sinceClock < watermark {
		changes = append(changes, newWipeAllChange())
		sinceClock = -1
	}

	docRows, err := t.tx.QueryContext(t.ctx,
		"SELECT state FROM documents WHERE last_changed_clock > ?", sinceClock)
	if err != nil {
		return nil, err
	}
	for docRows.Next() {
		var state []byte
		if err := docRows.Scan(&state); err != nil {
			docRows.Close()
			return nil, err
		}
		changes = append(changes, newPutChange(state))
	}
	if err := docRows.Err(); err != nil {
		docRows.Close()
		return nil, err
	}
	docRows.Close()

	tombRows, err := t.tx.QueryContext(t.ctx,
		"SELECT id FROM tombstones WHERE clock > ?", sinceClock)
	if err != nil {
		return nil, err
	}
	for tombRows.Next() {
		var id string
		if err := tombRows.Scan(&id); err != nil {
			tombRows.Close()
			return nil, err
		}
		changes = append(changes, newDeleteChange(id))
	}
	if err := tombRows.Err(); err != nil {
		tombRows.Close()
		return nil, err
	}
	tombRows.Close()

	return changes, nil
}
