package rest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"github.com/orbitsq/queuebridge/pkg/config"
	"github.com/orbitsq/queuebridge/pkg/core"
	"github.com/orbitsq/queuebridge/pkg/logger"
	"github.com/orbitsq/queuebridge/pkg/persistence"
)

func testRouter(t *testing.T) (*mux.Router, *core.App) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Database.Path = ":memory:"
	cfg.Logging.Level = "error"

	app, err := core.NewApp(cfg)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(func() { _ = app.Store().Close() })

	s := NewServer(app, logger.New(logger.Config{Level: "error", Format: "text"}))
	r := mux.NewRouter()
	s.registerRoutes(r)
	return r, app
}

func doJSON(t *testing.T, r *mux.Router, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	r, _ := testRouter(t)

	rec := doJSON(t, r, "GET", "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestStatusReportsNotRunning(t *testing.T) {
	r, _ := testRouter(t)

	rec := doJSON(t, r, "GET", "/api/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var st core.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Running {
		t.Fatal("app should not be running")
	}
}

func TestServiceCRUD(t *testing.T) {
	r, app := testRouter(t)

	rec := doJSON(t, r, "POST", "/api/v1/services", `{"id":"1","name":"Billing","prefix":"B"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d body = %s", rec.Code, rec.Body.String())
	}

	svc, err := app.Store().Service("1")
	if err != nil {
		t.Fatalf("Service: %v", err)
	}
	if svc.Name != "Billing" {
		t.Fatalf("name = %q", svc.Name)
	}

	rec = doJSON(t, r, "GET", "/api/v1/services", "")
	var services []persistence.Service
	if err := json.Unmarshal(rec.Body.Bytes(), &services); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(services) != 1 {
		t.Fatalf("services = %v", services)
	}
}

func TestSaveServiceRejectsMissingID(t *testing.T) {
	r, _ := testRouter(t)

	rec := doJSON(t, r, "POST", "/api/v1/services", `{"name":"Billing"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSaveCounterBindsService(t *testing.T) {
	r, app := testRouter(t)

	doJSON(t, r, "POST", "/api/v1/services", `{"id":"2","name":"Accounts"}`)
	rec := doJSON(t, r, "POST", "/api/v1/counters", `{"id":"0008","name":"Counter 8","serviceId":"2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}

	svcID, err := app.Store().ServiceIDForCounter("0008")
	if err != nil {
		t.Fatalf("ServiceIDForCounter: %v", err)
	}
	if svcID != "2" {
		t.Fatalf("serviceID = %q", svcID)
	}
}

func TestSetBaudRateRejectsInvalid(t *testing.T) {
	r, _ := testRouter(t)

	rec := doJSON(t, r, "POST", "/api/v1/baudrate", `{"baudRate":0}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}
