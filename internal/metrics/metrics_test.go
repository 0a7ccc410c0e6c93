package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func TestMetrics_ObserveValidation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, []string{"success", "expired"})

	m.ObserveValidation("success", 10*time.Millisecond)
	m.ObserveValidation("success", 20*time.Millisecond)
	m.RateLimited()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.validations.WithLabelValues("success")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.validations.WithLabelValues("expired")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.rateLimited))
	assert.Equal(t, 2, testutil.CollectAndCount(m.validations))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
}

func TestServer_ServesMetricsAndHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, []string{"success"})
	m.ObserveValidation("success", time.Millisecond)

	srv := NewServer(":0", reg)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `license_validations_total{outcome="success"} 1`))

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterBBoltMetrics(t *testing.T) {
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "m.db"), 0o600, &bbolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte("b"))
		return err
	}))

	reg := prometheus.NewRegistry()
	RegisterBBoltMetrics(reg, db)

	n, err := testutil.GatherAndCount(reg, "bbolt_write_txs_total", "bbolt_open_read_txs", "bbolt_read_txs_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
