package api_test

import (
	"errors"
	"testing"

	"github.com/momentics/hioload-relay/api"
	"github.com/stretchr/testify/assert"
)

func TestHandlePacking(t *testing.T) {
	h := api.MakeHandle(42, 7)
	assert.Equal(t, uint32(42), h.Slot())
	assert.Equal(t, uint32(7), h.Generation())
	assert.NotEqual(t, api.ListenerHandle, h)
	assert.NotEqual(t, api.WakeHandle, api.ListenerHandle)
}

func TestInterestString(t *testing.T) {
	assert.Equal(t, "none", api.Interest(0).String())
	assert.Equal(t, "readable|writable", (api.Readable | api.Writable).String())
	assert.True(t, (api.Readable | api.Hangup).Has(api.Hangup))
	assert.False(t, api.Readable.Has(api.Writable))
}

func TestJobKindString(t *testing.T) {
	assert.Equal(t, "read", api.JobRead.String())
	assert.Equal(t, "write", api.JobWrite.String())
}

func TestErrorUnwrapsToSentinel(t *testing.T) {
	err := api.NewError(api.ErrCodeInvalidArgument, "bad workers").WithContext("field", "workers")
	assert.True(t, errors.Is(err, api.ErrInvalidArgument))
	assert.False(t, errors.Is(err, api.ErrNotFound))
	assert.Contains(t, err.Error(), "bad workers")
	assert.Equal(t, "workers", err.Context["field"])
}
