package types

import (
	"encoding/json"
	"fmt"

	"github.com/npezzotti/go-meetup/internal/database"
)

// Record is a document shape that can check its own invariants.
type Record interface {
	Validate() error
}

// DecodeError reports a stored document that does not match its record
// shape.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %s", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type identified interface {
	setId(id string)
}

func (e *Event) setId(id string)   { e.Id = id }
func (c *Chat) setId(id string)    { c.Id = id }
func (m *Message) setId(id string) { m.Id = id }
func (a *Account) setId(id string) { a.Id = id }
func (t *Tag) setId(id string)     { t.Id = id }

// ToData converts a record into stored document data. The id is carried by
// the document path and is never stored in the body.
func ToData(v Record) (map[string]any, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	var data map[string]any
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	delete(data, "id")
	return data, nil
}

// Decode reads doc into a T and validates it.
func Decode[T any, P interface {
	*T
	Record
}](doc *database.Document) (P, error) {
	b, err := json.Marshal(doc.Data)
	if err != nil {
		return nil, &DecodeError{Path: doc.Path, Err: err}
	}
	p := P(new(T))
	if err := json.Unmarshal(b, p); err != nil {
		return nil, &DecodeError{Path: doc.Path, Err: err}
	}
	if r, ok := any(p).(identified); ok {
		r.setId(doc.ID)
	}
	if err := p.Validate(); err != nil {
		return nil, &DecodeError{Path: doc.Path, Err: err}
	}
	return p, nil
}
