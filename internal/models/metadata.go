package models

import (
	"database/sql/driver"
	"encoding/json"

	"github.com/pkg/errors"
)

// Metadata is a free-form string-keyed container persisted as JSONB. Values
// are strings, numbers, bools or nested containers.
type Metadata map[string]interface{}

// Value implements driver.Valuer for JSONB storage
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal metadata")
	}
	return data, nil
}

// Scan implements sql.Scanner for JSONB storage
func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.Errorf("unsupported metadata column type %T", value)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return errors.Wrap(json.Unmarshal(data, m), "failed to unmarshal metadata")
}
