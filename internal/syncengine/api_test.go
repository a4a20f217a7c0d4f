package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/phl-surveillance/platform/internal/adapters/fixture"
	"github.com/phl-surveillance/platform/internal/canonical"
	"github.com/phl-surveillance/platform/internal/shared/auth"
	"github.com/phl-surveillance/platform/internal/shared/errors"
	"github.com/phl-surveillance/platform/internal/storage/memory"
)

func serve(t *testing.T, h http.Handler, method, path, role string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if role != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{Subject: "epi-1", Role: role}))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerPull(t *testing.T) {
	src := fixture.NewSource(testSource, fixture.Generate(testSource, testRegion, testWindow, 25, 3))
	env := newTestEnv(t, memory.New(), src)
	routes := NewHandler(env.engine).Routes()

	body := PullRequest{SourceID: testSource, Region: testRegion, StartDate: "2024-06-01", EndDate: "2024-06-08"}
	rec := serve(t, routes, http.MethodPost, "/pull", auth.RoleEpidemiologist, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var got struct {
		SamplesProcessed int `json:"samplesProcessed"`
		NewSamples       int `json:"newSamples"`
		UpdatedSamples   int `json:"updatedSamples"`
		CasesCreated     int `json:"casesCreated"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SamplesProcessed != 25 || got.NewSamples != 25 || got.CasesCreated != 3 {
		t.Errorf("Unexpected pull response: %+v", got)
	}
}

func TestHandlerPullRequiresWriteRole(t *testing.T) {
	env := newTestEnv(t, memory.New(), fixture.NewSource(testSource, nil))
	routes := NewHandler(env.engine).Routes()

	body := PullRequest{SourceID: testSource, Region: testRegion, StartDate: "2024-06-01", EndDate: "2024-06-08"}
	if rec := serve(t, routes, http.MethodPost, "/pull", auth.RoleAnalyst, body); rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for analyst, got %d", rec.Code)
	}
	if rec := serve(t, routes, http.MethodPost, "/pull", "", body); rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without identity, got %d", rec.Code)
	}
}

func TestHandlerPullValidatesDates(t *testing.T) {
	env := newTestEnv(t, memory.New(), fixture.NewSource(testSource, nil))
	routes := NewHandler(env.engine).Routes()

	body := PullRequest{SourceID: testSource, Region: testRegion, StartDate: "2024-06-08", EndDate: "2024-06-01"}
	if rec := serve(t, routes, http.MethodPost, "/pull", auth.RoleLabManager, body); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for inverted range, got %d", rec.Code)
	}
}

func TestHandlerUnknownCase(t *testing.T) {
	env := newTestEnv(t, memory.New())
	routes := NewHandler(env.engine).Routes()

	rec := serve(t, routes, http.MethodGet, "/cases/2f1c7e4a-8d3b-5c6e-9a71-0b4d2e8f6a13", auth.RoleAnalyst, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
	rec = serve(t, routes, http.MethodGet, "/cases/not-an-id", auth.RoleAnalyst, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestHandlerRetryCase(t *testing.T) {
	src := fixture.NewSource(testSource, fixture.Generate(testSource, testRegion, testWindow, 5, 1))
	env := newTestEnv(t, memory.New(), src)
	sink := newScriptedSink()
	sink.reject["labware-PHILADELPHIA-0001"] = "bad county"
	env.registry.RegisterCaseSink(sink)
	routes := NewHandler(env.engine).Routes()

	pull := PullRequest{SourceID: testSource, Region: testRegion, StartDate: "2024-06-01", EndDate: "2024-06-08"}
	if rec := serve(t, routes, http.MethodPost, "/pull", auth.RoleEpidemiologist, pull); rec.Code != http.StatusOK {
		t.Fatalf("Expected pull 200, got %d", rec.Code)
	}
	push := PushRequest{DestinationSystem: testSink, Region: testRegion}
	if rec := serve(t, routes, http.MethodPost, "/push", auth.RoleEpidemiologist, push); rec.Code != http.StatusOK {
		t.Fatalf("Expected push 200, got %d", rec.Code)
	}

	path := "/cases/" + canonical.CaseID(testSource, "labware-PHILADELPHIA-0001").String() + "/retry"
	if rec := serve(t, routes, http.MethodPost, path, auth.RoleAnalyst, nil); rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for analyst retry, got %d", rec.Code)
	}

	rec := serve(t, routes, http.MethodPost, path, auth.RoleAdmin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got canonical.Case
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SubmissionStatus != canonical.StatusPending {
		t.Errorf("Expected pending after retry, got %s", got.SubmissionStatus)
	}

	if rec := serve(t, routes, http.MethodPost, path, auth.RoleAdmin, nil); rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 retrying a pending case, got %d", rec.Code)
	}
}

func TestHandlerPullUsesCamelCaseFields(t *testing.T) {
	records := fixture.Generate(testSource, testRegion, testWindow, 3, 1)
	records[2].CollectionDate = "not-a-date"
	env := newTestEnv(t, memory.New(), fixture.NewSource(testSource, records))
	routes := NewHandler(env.engine).Routes()

	body := PullRequest{SourceID: testSource, Region: testRegion, StartDate: "2024-06-01", EndDate: "2024-06-08"}
	rec := serve(t, routes, http.MethodPost, "/pull", auth.RoleEpidemiologist, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var got map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"jobId", "sourceId", "samplesProcessed", "newSamples", "casesCreated", "syncTime"} {
		if _, ok := got[key]; !ok {
			t.Errorf("Expected field %q in pull response", key)
		}
	}
	quarantined, _ := got["quarantined"].([]any)
	if len(quarantined) != 1 {
		t.Fatalf("Expected 1 quarantined record, got %v", got["quarantined"])
	}
	q, _ := quarantined[0].(map[string]any)
	for _, key := range []string{"recordKey", "sourceId", "quarantinedAt"} {
		if _, ok := q[key]; !ok {
			t.Errorf("Expected field %q in quarantined record, got %v", key, q)
		}
	}
	if _, ok := q["record_key"]; ok {
		t.Error("Expected no snake_case fields in quarantined record")
	}
}

func TestHandlerGetCaseUsesCamelCaseFields(t *testing.T) {
	src := fixture.NewSource(testSource, fixture.Generate(testSource, testRegion, testWindow, 2, 1))
	env := newTestEnv(t, memory.New(), src)
	routes := NewHandler(env.engine).Routes()

	pull := PullRequest{SourceID: testSource, Region: testRegion, StartDate: "2024-06-01", EndDate: "2024-06-08"}
	if rec := serve(t, routes, http.MethodPost, "/pull", auth.RoleEpidemiologist, pull); rec.Code != http.StatusOK {
		t.Fatalf("Expected pull 200, got %d", rec.Code)
	}

	path := "/cases/" + canonical.CaseID(testSource, "labware-PHILADELPHIA-0001").String()
	rec := serve(t, routes, http.MethodGet, path, auth.RoleAnalyst, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"sampleId", "sourceId", "submissionStatus", "destinationSystem", "history"} {
		if _, ok := got[key]; !ok {
			t.Errorf("Expected field %q in case, got %v", key, got)
		}
	}
}

func TestHandlerPushReportsPartialResult(t *testing.T) {
	src := fixture.NewSource(testSource, fixture.Generate(testSource, testRegion, testWindow, 5, 3))
	env := newTestEnv(t, memory.New(), src)
	sink := newScriptedSink()
	sink.fail = errors.AdapterUnavailable(testSink, fmt.Errorf("connection reset"))
	sink.failAfter = 1
	env.registry.RegisterCaseSink(sink)
	routes := NewHandler(env.engine).Routes()

	pull := PullRequest{SourceID: testSource, Region: testRegion, StartDate: "2024-06-01", EndDate: "2024-06-08"}
	if rec := serve(t, routes, http.MethodPost, "/pull", auth.RoleEpidemiologist, pull); rec.Code != http.StatusOK {
		t.Fatalf("Expected pull 200, got %d", rec.Code)
	}

	push := PushRequest{DestinationSystem: testSink, Region: testRegion}
	rec := serve(t, routes, http.MethodPost, "/push", auth.RoleEpidemiologist, push)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d: %s", rec.Code, rec.Body.String())
	}

	var got struct {
		Code   string     `json:"code"`
		Result PushResult `json:"result"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Code != "ADAPTER_UNAVAILABLE" {
		t.Errorf("Expected code ADAPTER_UNAVAILABLE, got %s", got.Code)
	}
	if got.Result.Accepted != 2 {
		t.Errorf("Expected the 2 acknowledged cases in the result, got %d", got.Result.Accepted)
	}
	if got.Result.Failed != 1 {
		t.Errorf("Expected 1 failed case, got %d", got.Result.Failed)
	}
	if got.Result.State != JobFailed {
		t.Errorf("Expected job failed, got %s", got.Result.State)
	}
}

func TestHandlerPullCancelled(t *testing.T) {
	env := newTestEnv(t, memory.New(), fixture.NewSource(testSource, fixture.Generate(testSource, testRegion, testWindow, 3, 0)))
	routes := NewHandler(env.engine).Routes()

	body := PullRequest{SourceID: testSource, Region: testRegion, StartDate: "2024-06-01", EndDate: "2024-06-08"}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		t.Fatalf("encode body: %v", err)
	}
	ctx, cancel := context.WithCancel(auth.WithIdentity(context.Background(), &auth.Identity{Subject: "epi-1", Role: auth.RoleEpidemiologist}))
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/pull", &buf).WithContext(ctx)
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)

	if rec.Code != errors.StatusClientClosedRequest {
		t.Fatalf("Expected %d, got %d: %s", errors.StatusClientClosedRequest, rec.Code, rec.Body.String())
	}
	var got struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Code != "REQUEST_CANCELLED" {
		t.Errorf("Expected code REQUEST_CANCELLED, got %s", got.Code)
	}
}
