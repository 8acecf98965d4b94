package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func getHealth(t *testing.T, h *Handlers) (int, map[string]any) {
	t.Helper()

	router := NewRouter(h, nil, testOrigin)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	return rec.Code, body
}

func TestHealthReportsMigrationVersion(t *testing.T) {
	h := &Handlers{
		MigrationVersion: func(context.Context) (int64, error) { return 3, nil },
	}

	code, body := getHealth(t, h)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
	if body["migration_version"] != float64(3) {
		t.Errorf("migration_version = %v, want 3", body["migration_version"])
	}
}

func TestHealthWithoutRelationalBackend(t *testing.T) {
	_, body := getHealth(t, &Handlers{})
	if _, ok := body["migration_version"]; ok {
		t.Error("migration_version reported without a relational backend")
	}
}

func TestHealthMigrationVersionUnavailable(t *testing.T) {
	h := &Handlers{
		MigrationVersion: func(context.Context) (int64, error) {
			return 0, errors.New("db unreachable")
		},
	}

	code, body := getHealth(t, h)
	if code != http.StatusOK {
		t.Fatalf("status = %d, health must stay ok", code)
	}
	if body["migration_version"] != "unavailable" {
		t.Errorf("migration_version = %v, want unavailable", body["migration_version"])
	}
}
