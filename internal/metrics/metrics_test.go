package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandsCounterByLabel(t *testing.T) {
	before := testutil.ToFloat64(CommandsTotal.WithLabelValues("status", "ok"))
	CommandsTotal.WithLabelValues("status", "ok").Inc()
	CommandsTotal.WithLabelValues("status", "ok").Inc()
	assert.Equal(t, before+2, testutil.ToFloat64(CommandsTotal.WithLabelValues("status", "ok")))
}

func TestGaugesSet(t *testing.T) {
	Running.Set(1)
	WatchedUsers.Set(42)
	assert.Equal(t, 1.0, testutil.ToFloat64(Running))
	assert.Equal(t, 42.0, testutil.ToFloat64(WatchedUsers))
	Running.Set(0)
}

func TestHandlerExposesRegisteredCollectors(t *testing.T) {
	TransitionsTotal.WithLabelValues("joined").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	for _, name := range []string{"placewatch_transitions_total", "placewatch_running", "placewatch_watched_users"} {
		assert.True(t, strings.Contains(string(body), name), "missing %s", name)
	}
}
