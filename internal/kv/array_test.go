package kv

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	kverrors "github.com/devrev/kvpk/internal/errors"
	"github.com/devrev/kvpk/internal/indexstore"
	"github.com/devrev/kvpk/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func intPtr(i int) *int {
	return &i
}

func encode(t *testing.T, arr []json.RawMessage) string {
	t.Helper()
	b, err := json.Marshal(arr)
	require.NoError(t, err)
	return string(b)
}

func TestArrayMutator_Insert(t *testing.T) {
	tests := []struct {
		name    string
		initial json.RawMessage
		value   json.RawMessage
		index   *int
		want    string
		wantErr kverrors.ErrorCode
	}{
		{name: "absent key creates array", value: raw(`"a"`), want: `["a"]`},
		{name: "absent key at index 0", value: raw(`"a"`), index: intPtr(0), want: `["a"]`},
		{name: "absent key at index 1", value: raw(`"a"`), index: intPtr(1), wantErr: kverrors.ErrorCodeOutOfBounds},
		{name: "append", initial: raw(`[1,2]`), value: raw(`3`), want: `[1,2,3]`},
		{name: "insert at start", initial: raw(`[1,2]`), value: raw(`0`), index: intPtr(0), want: `[0,1,2]`},
		{name: "insert in middle", initial: raw(`[1,3]`), value: raw(`2`), index: intPtr(1), want: `[1,2,3]`},
		{name: "insert at length", initial: raw(`[1,2]`), value: raw(`3`), index: intPtr(2), want: `[1,2,3]`},
		{name: "index past length", initial: raw(`[1,2]`), value: raw(`3`), index: intPtr(3), wantErr: kverrors.ErrorCodeOutOfBounds},
		{name: "negative index", initial: raw(`[1,2]`), value: raw(`3`), index: intPtr(-1), wantErr: kverrors.ErrorCodeOutOfBounds},
		{name: "object element", initial: raw(`[]`), value: raw(`{ "a" : 1 }`), want: `[{"a":1}]`},
		{name: "null element", initial: raw(`[1]`), value: raw(`null`), want: `[1,null]`},
		{name: "non-array object", initial: raw(`{"a":1}`), value: raw(`1`), wantErr: kverrors.ErrorCodeTypeMismatch},
		{name: "non-array string", initial: raw(`"[1]"`), value: raw(`1`), wantErr: kverrors.ErrorCodeTypeMismatch},
		{name: "absent value", initial: raw(`[]`), value: nil, wantErr: kverrors.ErrorCodeValidation},
		{name: "invalid value", initial: raw(`[]`), value: raw(`{`), wantErr: kverrors.ErrorCodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e := newTestEngine(t, nil)
			a := NewArrayMutator(e)
			if tt.initial != nil {
				require.NoError(t, e.Set(ctx, "user", "list", tt.initial))
			}

			got, err := a.Insert(ctx, "user", "list", tt.value, tt.index)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantErr, kverrors.GetCode(err))

				stored, err := e.Get(ctx, "user", "list")
				require.NoError(t, err)
				assert.Equal(t, string(tt.initial), string(stored), "failed insert leaves the value untouched")
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, encode(t, got))

			stored, err := e.Get(ctx, "user", "list")
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(stored))

			holders, err := e.Reverse(ctx, "list", 0)
			require.NoError(t, err)
			require.Len(t, holders, 1)
			assert.Equal(t, tt.want, string(holders[0].Value))
		})
	}
}

func TestArrayMutator_Remove(t *testing.T) {
	tests := []struct {
		name    string
		initial json.RawMessage
		index   int
		want    string
		wantErr kverrors.ErrorCode
	}{
		{name: "absent key", index: 0, wantErr: kverrors.ErrorCodeNotFound},
		{name: "remove first", initial: raw(`[1,2,3]`), index: 0, want: `[2,3]`},
		{name: "remove last", initial: raw(`[1,2,3]`), index: 2, want: `[1,2]`},
		{name: "remove only element", initial: raw(`["x"]`), index: 0, want: `[]`},
		{name: "index equals length", initial: raw(`[1,2]`), index: 2, wantErr: kverrors.ErrorCodeOutOfBounds},
		{name: "negative index", initial: raw(`[1,2]`), index: -1, wantErr: kverrors.ErrorCodeOutOfBounds},
		{name: "empty array", initial: raw(`[]`), index: 0, wantErr: kverrors.ErrorCodeOutOfBounds},
		{name: "non-array", initial: raw(`42`), index: 0, wantErr: kverrors.ErrorCodeTypeMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e := newTestEngine(t, nil)
			a := NewArrayMutator(e)
			if tt.initial != nil {
				require.NoError(t, e.Set(ctx, "user", "list", tt.initial))
			}

			got, err := a.Remove(ctx, "user", "list", tt.index)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantErr, kverrors.GetCode(err))
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, encode(t, got))

			stored, err := e.Get(ctx, "user", "list")
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(stored))
		})
	}
}

func TestArrayMutator_NotFoundIsA404(t *testing.T) {
	a := NewArrayMutator(newTestEngine(t, nil))

	_, err := a.Remove(context.Background(), "user", "missing", 0)
	kvErr := kverrors.FromError(err)
	assert.Equal(t, 404, kvErr.HTTPStatus())
	assert.Equal(t, "Key does not exist.", kvErr.PublicMessage())
}

func TestArrayMutator_InsertEnforcesValueLimitOnResult(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(indexstore.NewMemoryStore(), validation.NewValidatorWithLimits(256, 20), nil, zap.NewNop(), Options{})
	a := NewArrayMutator(e)

	_, err := a.Insert(ctx, "user", "list", raw(`"0123456789"`), nil)
	require.NoError(t, err)

	_, err = a.Insert(ctx, "user", "list", raw(`"0123456789"`), nil)
	require.Error(t, err)
	assert.Equal(t, kverrors.ErrorCodeValidation, kverrors.GetCode(err))
	assert.Contains(t, err.Error(), "Value is too large")

	stored, err := e.Get(ctx, "user", "list")
	require.NoError(t, err)
	assert.Equal(t, `["0123456789"]`, string(stored))
}

func TestArrayMutator_EmptyKey(t *testing.T) {
	a := NewArrayMutator(newTestEngine(t, nil))

	_, err := a.Insert(context.Background(), "user", "", raw(`1`), nil)
	require.Error(t, err)
	assert.Equal(t, "Empty key or value.", kverrors.FromError(err).PublicMessage())

	_, err = a.Insert(context.Background(), "user", strings.Repeat("k", 257), raw(`1`), nil)
	assert.Equal(t, kverrors.ErrorCodeValidation, kverrors.GetCode(err))
}
