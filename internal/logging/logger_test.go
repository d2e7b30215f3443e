package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithContextCarriesTraceAndUser(t *testing.T) {
	var buf bytes.Buffer
	logger := New("allocation", "debug", "json")
	logger.SetOutput(&buf)

	ctx := WithUserID(WithTraceID(context.Background(), "trace-1"), "NUser")
	logger.WithContext(ctx).Info("hello")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "allocation", line["service"])
	assert.Equal(t, "trace-1", line["trace_id"])
	assert.Equal(t, "NUser", line["user_id"])
	assert.Equal(t, "hello", line["msg"])
}

func TestLogRequestLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := New("api", "info", "json")
	logger.SetOutput(&buf)

	logger.LogRequest(context.Background(), http.MethodPost, "/v1/allocations", 503, 10*time.Millisecond)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "error", line["level"])
	assert.EqualValues(t, 503, line["status"])
}

func TestDetachKeepsTraceID(t *testing.T) {
	parent, cancel := context.WithCancel(WithTraceID(context.Background(), "t-9"))
	cancel()

	detached := Detach(parent)
	assert.NoError(t, detached.Err())
	assert.Equal(t, "t-9", GetTraceID(detached))
}

func TestNewTraceIDUnique(t *testing.T) {
	assert.NotEqual(t, NewTraceID(), NewTraceID())
}
