package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func readiness(t *testing.T, handler *HealthHandler) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	handler.HandleReadiness(w, req)

	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	return w.Code, response["data"].(map[string]interface{})
}

func TestHandleHealth(t *testing.T) {
	handler := NewHealthHandler(nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	handler.HandleHealth(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))

	data := response["data"].(map[string]interface{})
	assert.Equal(t, "healthy", data["status"])
	assert.NotEmpty(t, data["timestamp"])
}

func TestHandleReadiness(t *testing.T) {
	logger := zap.NewNop()

	t.Run("healthy without a database", func(t *testing.T) {
		code, data := readiness(t, NewHealthHandler(nil, logger))
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "healthy", data["status"])
	})

	t.Run("healthy when database is available", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

		code, data := readiness(t, NewHealthHandler(db, logger))

		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "healthy", data["status"])
		checks := data["checks"].(map[string]interface{})
		assert.Equal(t, "healthy", checks["database"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unhealthy when database ping fails", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPing().WillReturnError(sql.ErrConnDone)

		code, data := readiness(t, NewHealthHandler(db, logger))

		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "unhealthy", data["status"])
		checks := data["checks"].(map[string]interface{})
		assert.Equal(t, "unhealthy", checks["database"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unhealthy when database query fails", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnError(sql.ErrConnDone)

		code, _ := readiness(t, NewHealthHandler(db, logger))

		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("named check failure", func(t *testing.T) {
		handler := NewHealthHandler(nil, logger).
			WithCheck("redis", func(context.Context) error { return errors.New("connection refused") })

		code, data := readiness(t, handler)

		assert.Equal(t, http.StatusServiceUnavailable, code)
		checks := data["checks"].(map[string]interface{})
		assert.Equal(t, "unhealthy", checks["redis"])
	})

	t.Run("no provider available", func(t *testing.T) {
		handler := NewHealthHandler(nil, logger).
			WithCheck("redis", func(context.Context) error { return nil }).
			WithProviders(func() bool { return false })

		code, data := readiness(t, handler)

		assert.Equal(t, http.StatusServiceUnavailable, code)
		checks := data["checks"].(map[string]interface{})
		assert.Equal(t, "healthy", checks["redis"])
		assert.Equal(t, "unavailable", checks["providers"])
	})
}
