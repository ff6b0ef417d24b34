package models

import (
	"database/sql/driver"
	"errors"
	"fmt"
)

// JSONDoc is a raw JSON document stored in a JSONB column. It round-trips
// through encoding/json untouched, like json.RawMessage, and maps a nil
// document to SQL NULL in both directions.
type JSONDoc []byte

// MarshalJSON returns j unmodified, or "null" for a nil document.
func (j JSONDoc) MarshalJSON() ([]byte, error) {
	if j == nil {
		return []byte("null"), nil
	}
	return j, nil
}

// UnmarshalJSON sets *j to a copy of data.
func (j *JSONDoc) UnmarshalJSON(data []byte) error {
	if j == nil {
		return errors.New("models.JSONDoc: UnmarshalJSON on nil pointer")
	}
	*j = append((*j)[0:0], data...)
	return nil
}

// Value implements driver.Valuer.
func (j JSONDoc) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return []byte(j), nil
}

// Scan implements sql.Scanner.
func (j *JSONDoc) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append(JSONDoc(nil), v...)
	case string:
		*j = JSONDoc(v)
	default:
		return fmt.Errorf("unsupported type %T for JSONDoc", src)
	}
	return nil
}
