package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/devrev/kvpk/internal/errors"
	"github.com/dustin/go-humanize"
)

const (
	// Size limits
	MaxKeyLength  = 256     // characters
	MaxValueBytes = 100_000 // canonical JSON encoding
)

var jsonNull = []byte("null")

// Validator validates storage operations
type Validator struct {
	maxKeyLength  int
	maxValueBytes int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxKeyLength:  MaxKeyLength,
		maxValueBytes: MaxValueBytes,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxKeyLength, maxValueBytes int) *Validator {
	return &Validator{
		maxKeyLength:  maxKeyLength,
		maxValueBytes: maxValueBytes,
	}
}

// ValidateTenant validates a tenant identifier
func (v *Validator) ValidateTenant(tenant string) error {
	if tenant == "" {
		return errors.Validation("Empty tenant.")
	}
	return nil
}

// ValidateKey validates a logical key. Length is counted in characters.
func (v *Validator) ValidateKey(key string) error {
	if key == "" {
		return errors.Validation("Empty key.")
	}

	if !utf8.ValidString(key) || strings.ContainsRune(key, 0) {
		return errors.Validation("Key must be valid UTF-8 without NUL characters.")
	}

	if utf8.RuneCountInString(key) > v.maxKeyLength {
		return errors.Validation(fmt.Sprintf("Key is too long. Max length is %d characters.", v.maxKeyLength)).
			WithDetail("max_length", v.maxKeyLength)
	}

	return nil
}

// NormalizeValue validates a JSON value for storage and returns its canonical
// encoding. Absent and null values are rejected: deletion is a separate
// operation.
func (v *Validator) NormalizeValue(value json.RawMessage) (json.RawMessage, error) {
	if IsAbsent(value) {
		return nil, errors.Validation("Empty value.")
	}

	var buf bytes.Buffer
	if err := canonicalize(&buf, value); err != nil {
		return nil, errors.Validation("Value is not valid JSON.")
	}

	if bytes.Equal(buf.Bytes(), jsonNull) {
		return nil, errors.Validation("Value cannot be null.")
	}

	if buf.Len() > v.maxValueBytes {
		return nil, errors.Validation(fmt.Sprintf("Value is too large. Max size is %s.", humanize.Bytes(uint64(v.maxValueBytes)))).
			WithDetail("size", buf.Len()).
			WithDetail("max_size", v.maxValueBytes)
	}

	return buf.Bytes(), nil
}

// ValidateIndex checks an array index. When inclusive is true the index may
// equal length (insertion at the end).
func (v *Validator) ValidateIndex(index, length int, inclusive bool) error {
	upper := length - 1
	if inclusive {
		upper = length
	}
	if index < 0 || index > upper {
		return errors.OutOfBounds(index, length)
	}
	return nil
}

// ValidateLimit checks a list/reverse result limit. Zero means no limit.
func (v *Validator) ValidateLimit(limit int) error {
	if limit < 0 {
		return errors.Validation("Limit must be a positive integer.")
	}
	return nil
}

// BatchItem is one entry of a set-many request.
type BatchItem struct {
	Key   string
	Value json.RawMessage
}

// ValidateBatch validates the shape of a set-many batch: it must be
// non-empty and every item needs a key and a present value, where null is a
// present value meaning delete.
func (v *Validator) ValidateBatch(items []BatchItem) error {
	if len(items) == 0 {
		return errors.Validation("Invalid request body: items must be a non-empty array.")
	}

	for i, item := range items {
		if item.Key == "" || IsAbsent(item.Value) {
			return errors.Validation(fmt.Sprintf("Invalid request body: item %d needs a key and a value.", i)).
				WithDetail("item", i)
		}
	}

	return nil
}

// IsAbsent reports whether a raw JSON value was not provided at all.
func IsAbsent(value json.RawMessage) bool {
	return len(bytes.TrimSpace(value)) == 0
}

// IsNull reports whether a raw JSON value is the literal null.
func IsNull(value json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(value), jsonNull)
}
