package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"slices"
	"time"

	kverrors "github.com/devrev/kvpk/internal/errors"
	"github.com/devrev/kvpk/internal/validation"
)

// ArrayMutator implements insert-at-index and remove-at-index on array
// values as read-modify-write over the Engine.
//
// The read and the write are separate store operations, so two concurrent
// mutations of the same (tenant, key) can lose one of the updates. The
// service assumes at most one writer per key.
type ArrayMutator struct {
	engine *Engine
}

// NewArrayMutator creates an ArrayMutator over engine.
func NewArrayMutator(engine *Engine) *ArrayMutator {
	return &ArrayMutator{engine: engine}
}

// Insert inserts value at index into the array stored under (tenant, key)
// and returns the new array. An absent key is an empty array. A nil index
// appends.
func (a *ArrayMutator) Insert(ctx context.Context, tenant, key string, value json.RawMessage, index *int) (result []json.RawMessage, err error) {
	e := a.engine
	defer e.observe(OpArrayInsert, time.Now(), &err)

	if key == "" || validation.IsAbsent(value) {
		return nil, kverrors.Validation("Empty key or value.")
	}
	if err := e.validator.ValidateKey(key); err != nil {
		return nil, err
	}
	element, err := compactElement(value)
	if err != nil {
		return nil, err
	}

	current, err := e.Get(ctx, tenant, key)
	if err != nil {
		return nil, err
	}
	arr, err := decodeArray(key, current)
	if err != nil {
		return nil, err
	}

	at := len(arr)
	if index != nil {
		if err := e.validator.ValidateIndex(*index, len(arr), true); err != nil {
			return nil, err
		}
		at = *index
	}

	arr = slices.Insert(arr, at, element)
	if err := a.store(ctx, tenant, key, arr); err != nil {
		return nil, err
	}
	return arr, nil
}

// Remove removes the element at index from the array stored under
// (tenant, key) and returns the new array. An absent key is NotFound.
func (a *ArrayMutator) Remove(ctx context.Context, tenant, key string, index int) (result []json.RawMessage, err error) {
	e := a.engine
	defer e.observe(OpArrayRemove, time.Now(), &err)

	if err := e.validator.ValidateKey(key); err != nil {
		return nil, err
	}

	current, err := e.Get(ctx, tenant, key)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, kverrors.NotFound(key)
	}
	arr, err := decodeArray(key, current)
	if err != nil {
		return nil, err
	}

	if err := e.validator.ValidateIndex(index, len(arr), false); err != nil {
		return nil, err
	}

	arr = slices.Delete(arr, index, index+1)
	if err := a.store(ctx, tenant, key, arr); err != nil {
		return nil, err
	}
	return arr, nil
}

func (a *ArrayMutator) store(ctx context.Context, tenant, key string, arr []json.RawMessage) error {
	encoded, err := json.Marshal(arr)
	if err != nil {
		return kverrors.Internal("Failed to encode array.", err)
	}
	// Set re-validates, which enforces the size limit on the new array.
	return a.engine.Set(ctx, tenant, key, encoded)
}

// decodeArray decodes a stored value as an array. nil decodes to an empty
// array.
func decodeArray(key string, raw json.RawMessage) ([]json.RawMessage, error) {
	if raw == nil {
		return []json.RawMessage{}, nil
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, kverrors.TypeMismatch(key)
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(trimmed, &arr); err != nil {
		return nil, kverrors.Internal("Stored value is not valid JSON.", err)
	}
	if arr == nil {
		arr = []json.RawMessage{}
	}
	return arr, nil
}

// compactElement validates an array element. Unlike stored values, elements
// may be null.
func compactElement(value json.RawMessage) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, value); err != nil {
		return nil, kverrors.Validation("Value is not valid JSON.")
	}
	return buf.Bytes(), nil
}
