package types

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// surveillanceNamespace seeds deterministic IDs so that the same source key
// always maps to the same canonical ID across re-pulls.
var surveillanceNamespace = uuid.MustParse("2f1c7e4a-8d3b-5c6e-9a71-0b4d2e8f6a13")

// ID is a UUID wrapper for type safety
type ID string

// NewID generates a new random ID
func NewID() ID {
	return ID(uuid.New().String())
}

// NewDeterministicID derives a stable ID from a set of key parts.
func NewDeterministicID(parts ...string) ID {
	name := ""
	for i, p := range parts {
		if i > 0 {
			name += "\x1f"
		}
		name += p
	}
	return ID(uuid.NewSHA1(surveillanceNamespace, []byte(name)).String())
}

// ParseID parses a string into an ID
func ParseID(s string) (ID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", fmt.Errorf("invalid ID: %w", err)
	}
	return ID(s), nil
}

// String returns the string representation
func (id ID) String() string {
	return string(id)
}

// IsZero checks if the ID is empty
func (id ID) IsZero() bool {
	return id == ""
}

// Value implements driver.Valuer for database serialization
func (id ID) Value() (driver.Value, error) {
	if id.IsZero() {
		return nil, nil
	}
	return string(id), nil
}

// Scan implements sql.Scanner for database deserialization
func (id *ID) Scan(value any) error {
	if value == nil {
		*id = ""
		return nil
	}
	switch v := value.(type) {
	case string:
		*id = ID(v)
	case []byte:
		*id = ID(string(v))
	case [16]byte:
		*id = ID(uuid.UUID(v).String())
	default:
		return fmt.Errorf("cannot scan %T into ID", value)
	}
	return nil
}
