package envelope

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOKEnvelopeShape(t *testing.T) {
	env := OK(map[string]int{"n": 1}, "trace-123")
	assert.True(t, env.OK)
	assert.False(t, env.Degraded)
	assert.Nil(t, env.Error)
	assert.Equal(t, "trace-123", env.Meta.TraceID)
}

func TestDegradedEnvelopeSetsFlagNotError(t *testing.T) {
	env := Degraded(errors.New("rest down"), []int{1, 2}, "trace-456")
	assert.True(t, env.OK)
	assert.True(t, env.Degraded)
	assert.Nil(t, env.Error)
}

func TestFailEnvelopeHasNoOKData(t *testing.T) {
	env := Fail("trace-789", "not_found", "judgment not found")
	assert.False(t, env.OK)
	require.NotNil(t, env.Error)
	assert.Equal(t, "not_found", env.Error.Code)
}

func TestWriteOKEncodesJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteOK(rec, "trace-abc", map[string]string{"hello": "world"})

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	assert.Equal(t, true, decoded["ok"])
	assert.Equal(t, 200, rec.Code)
}
