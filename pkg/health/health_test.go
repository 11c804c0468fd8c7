package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"guildwallet/services/testutil"
)

func TestReadinessWithDatabase(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := ProvideHealth(HealthParams{DB: testutil.NewTestDB(t)})

	r := gin.New()
	r.GET("/readyz", h.Readiness)
	r.GET("/healthz", h.Liveness)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body Health
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, statusHealthy, body.Status)
	require.Len(t, body.Deps, 1)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestCheckReportsClosedDatabase(t *testing.T) {
	db := testutil.NewTestDB(t)
	sql, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sql.Close())

	res := ProvideHealth(HealthParams{DB: db}).Check(context.Background())
	require.Equal(t, statusUnhealthy, res.Status)
	require.Equal(t, statusUnhealthy, res.Deps[0].Status)
}
