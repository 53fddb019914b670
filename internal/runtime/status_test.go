package runtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jsoncodec "github.com/sipcic/outbound-processor/internal/runtime/jsoncodec"
)

func serveStatus(t *testing.T, svc *Service, method, path, origin string) *httptest.ResponseRecorder {
	t.Helper()
	handlers := map[string]func(http.ResponseWriter, *http.Request){
		"/api/batch":      svc.handleGetBatch,
		"/api/handlers":   svc.handleGetHandlers,
		"/api/deadletter": svc.handleGetDeadLetter,
	}
	handler, ok := handlers[path]
	require.True(t, ok, "unknown path %s", path)

	req := httptest.NewRequest(method, path, nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	rec := httptest.NewRecorder()
	svc.statusEndpoint(handler).ServeHTTP(rec, req)
	return rec
}

func TestStatusBatch(t *testing.T) {
	svc := newTestService(t)

	rec := serveStatus(t, svc, http.MethodGet, "/api/batch", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "IDLE", body["state"])
	assert.Contains(t, body, "counters")
}

func TestStatusBatchWithoutPipeline(t *testing.T) {
	svc := newTestService(t)
	svc.pipeline = nil

	rec := serveStatus(t, svc, http.MethodGet, "/api/batch", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusHandlers(t *testing.T) {
	svc := newTestService(t)

	rec := serveStatus(t, svc, http.MethodGet, "/api/handlers", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var handlers []map[string]any
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &handlers))
	require.Len(t, handlers, 1)
	assert.Equal(t, BatchHandlerName, handlers[0]["name"])
	assert.Equal(t, "records", handlers[0]["consume_queue"])
}

func TestStatusDeadLetter(t *testing.T) {
	t.Run("topic only", func(t *testing.T) {
		svc := newTestService(t)
		rec := serveStatus(t, svc, http.MethodGet, "/api/deadletter", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var status DeadLetterStatus
		require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &status))
		assert.Equal(t, "records.dlq", status.Queue)
		assert.Nil(t, status.Stored)
	})

	t.Run("native store", func(t *testing.T) {
		svc := newStoreService(t, &storeSubscriber{count: 2})
		rec := serveStatus(t, svc, http.MethodGet, "/api/deadletter", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var status DeadLetterStatus
		require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &status))
		require.NotNil(t, status.Stored)
		assert.Equal(t, int64(2), *status.Stored)
		assert.Equal(t, uint64(2), status.Metrics.TotalMessages)
	})

	t.Run("store failure", func(t *testing.T) {
		svc := newStoreService(t, &storeSubscriber{err: assert.AnError})
		rec := serveStatus(t, svc, http.MethodGet, "/api/deadletter", "")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestStatusMethods(t *testing.T) {
	svc := newTestService(t)

	rec := serveStatus(t, svc, http.MethodOptions, "/api/batch", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = serveStatus(t, svc, http.MethodPost, "/api/batch", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatusCORS(t *testing.T) {
	svc := newTestService(t)
	svc.Conf.StatusCORSAllowedOrigins = []string{"https://ops.example.com"}

	rec := serveStatus(t, svc, http.MethodGet, "/api/batch", "https://OPS.example.com")
	assert.Equal(t, "https://OPS.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.True(t, strings.Contains(rec.Header().Get("Access-Control-Allow-Methods"), "GET"))

	rec = serveStatus(t, svc, http.MethodGet, "/api/batch", "https://evil.example.com")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	svc.Conf.StatusCORSAllowedOrigins = []string{"*"}
	rec = serveStatus(t, svc, http.MethodGet, "/api/batch", "https://any.example.com")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStartStatusServerRegistersRoutes(t *testing.T) {
	svc := newTestService(t)
	svc.StartStatusServer()
	assert.Empty(t, svc.httpServers, "disabled status server registers nothing")

	svc.Conf.StatusEnabled = true
	svc.Conf.StatusPort = 0
	svc.StartStatusServer()
	mux := svc.httpServers[8081]
	require.NotNil(t, mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/handlers", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
