package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func TestRecoverHandlerLogsStructuredPanic(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	h := chainMiddleware(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("boom") }),
		requestIDHandler,
		loggerHandler(nil),
		recoverHandler,
	)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/devices", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "internal error", body["error"])

	out := buf.String()
	require.Contains(t, out, `"message":"handler panicked"`)
	require.Contains(t, out, `"error":"panic: boom"`)
	require.Contains(t, out, `"request_id":"`)
	require.Contains(t, out, `"status":500`)
}
