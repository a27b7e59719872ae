package jobs

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestHealthReportsSweepQueue(t *testing.T) {
	router := chi.NewRouter()
	router.Route("/jobs", NewHandler(nil, nil).MountRoutes)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), TaskGrantSweep) {
		t.Fatalf("expected sweep task in health body, got %s", rec.Body.String())
	}
}
