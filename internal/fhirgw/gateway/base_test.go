package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/healthchain/gateway/internal/fhirgw/auth"
	"github.com/healthchain/gateway/internal/fhirgw/client"
	"github.com/healthchain/gateway/internal/fhirgw/fhirerr"
	"github.com/healthchain/gateway/internal/fhirgw/pool"
	"github.com/healthchain/gateway/pkg/fhirmodels"
)

// fakeSource is a minimal clientSource used to exercise Base's orchestration
// logic (pagination, provenance, error translation, predict wrapping)
// against a real *client.Client talking to an httptest.Server, without
// going through the full connection-string/pool machinery tested
// separately in the pool and auth packages.
type fakeSource struct {
	clients map[string]*client.Client
	names   []string
}

func (f fakeSource) getClient(_ context.Context, name string) (*client.Client, error) {
	if name == "" {
		name = f.names[0]
	}
	c, ok := f.clients[name]
	if !ok {
		return nil, fhirerr.NewUnknownSourceError(name)
	}
	return c, nil
}
func (f fakeSource) sourceNames() []string { return f.names }
func (f fakeSource) status() pool.Status   { return pool.Status{ClientKind: "fake", Sources: f.names} }

func singleSourceBase(name string, c *client.Client) *Base {
	return newBase(fakeSource{clients: map[string]*client.Client{name: c}, names: []string{name}}, nil, "test")
}

// TestBase_ReadWithAuth: a token-protected source, a stubbed token
// endpoint, and a stubbed Patient read, asserting both the hydrated
// resource and the outbound bearer token.
func TestBase_ReadWithAuth(t *testing.T) {
	var gotAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("/tok", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "T1", "expires_in": 3600})
	})
	mux.HandleFunc("/Patient/123", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/fhir+json")
		_ = json.NewEncoder(w).Encode(map[string]any{"resourceType": "Patient", "id": "123", "active": true})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := auth.AuthConfig{
		BaseURL: srv.URL, Timeout: 30, VerifyTLS: true,
		ClientID: "c", ClientSecret: "x", TokenURL: srv.URL + "/tok", Scope: auth.DefaultScope,
	}
	tm := auth.NewTokenManager(cfg, nil)
	c := client.New(cfg, tm, client.DefaultConnectionLimits)
	gw := singleSourceBase("s", c)

	res, err := gw.Read(context.Background(), "Patient", "123", "s")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ResourceID() != "123" {
		t.Errorf("expected id 123, got %q", res.ResourceID())
	}
	if gotAuth != "Bearer T1" {
		t.Errorf("expected Authorization 'Bearer T1', got %q", gotAuth)
	}
}

// TestBase_Read_DefaultSource checks an omitted source argument defaults
// to the first configured source.
func TestBase_Read_DefaultSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"resourceType": "Patient", "id": "1"})
	}))
	defer srv.Close()

	c := client.New(auth.AuthConfig{BaseURL: srv.URL, Timeout: 30, VerifyTLS: true}, nil, client.DefaultConnectionLimits)
	gw := singleSourceBase("only", c)

	res, err := gw.Read(context.Background(), "Patient", "1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ResourceID() != "1" {
		t.Errorf("expected id 1, got %q", res.ResourceID())
	}
}

// TestBase_Read_ErrorTranslation: a stubbed 404 yields a state-404 error
// whose message names the operation and target.
func TestBase_Read_ErrorTranslation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"resourceType": "OperationOutcome",
			"issue":        []map[string]any{{"severity": "error", "code": "not-found", "diagnostics": "no such resource"}},
		})
	}))
	defer srv.Close()

	c := client.New(auth.AuthConfig{BaseURL: srv.URL, Timeout: 30, VerifyTLS: true}, nil, client.DefaultConnectionLimits)
	gw := singleSourceBase("s", c)

	_, err := gw.Read(context.Background(), "Patient", "123", "s")
	if err == nil {
		t.Fatal("expected an error")
	}
	fe, ok := err.(*fhirerr.FHIRConnectionError)
	if !ok {
		t.Fatalf("expected *fhirerr.FHIRConnectionError, got %T", err)
	}
	if fe.State != "404" {
		t.Errorf("expected state 404, got %q", fe.State)
	}
	if !strings.Contains(fe.Message, "read Patient/123 failed") {
		t.Errorf("expected message to name the operation and target, got %q", fe.Message)
	}
	if !strings.Contains(fe.Message, "does not exist") {
		t.Errorf("expected 404 fragment in message, got %q", fe.Message)
	}
}

// TestBase_UnknownSource covers the UNKNOWN_SOURCE error kind.
func TestBase_UnknownSource(t *testing.T) {
	gw := singleSourceBase("s", client.New(auth.AuthConfig{BaseURL: "https://example.org", Timeout: 30, VerifyTLS: true}, nil, client.DefaultConnectionLimits))
	_, err := gw.Read(context.Background(), "Patient", "1", "nope")
	fe, ok := err.(*fhirerr.FHIRConnectionError)
	if !ok {
		t.Fatalf("expected *fhirerr.FHIRConnectionError, got %T (%v)", err, err)
	}
	if fe.Kind != fhirerr.KindUnknownSource {
		t.Errorf("expected KindUnknownSource, got %q", fe.Kind)
	}
}

// TestBase_Search_Pagination: three one-entry pages chained via "next"
// links, fully followed.
func TestBase_Search_Pagination(t *testing.T) {
	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/Condition", func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		if page == "" {
			page = "1"
		}
		resp := map[string]any{
			"resourceType": "Bundle",
			"entry":        []map[string]any{{"resource": map[string]any{"resourceType": "Condition", "id": "c" + page}}},
		}
		if page != "3" {
			resp["link"] = []map[string]any{{"relation": "next", "url": srvURL + "/Condition?page=" + nextPage(page)}}
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	srvURL = srv.URL

	c := client.New(auth.AuthConfig{BaseURL: srv.URL, Timeout: 30, VerifyTLS: true}, nil, client.DefaultConnectionLimits)
	gw := singleSourceBase("s", c)

	bundle, err := gw.Search(context.Background(), "Condition", SearchOptions{Source: "s", FollowPagination: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bundle.Entry) != 3 {
		t.Fatalf("expected 3 entries across 3 pages, got %d", len(bundle.Entry))
	}
}

// TestBase_Search_Pagination_MaxPages checks max_pages halts iteration.
func TestBase_Search_Pagination_MaxPages(t *testing.T) {
	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/Condition", func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		if page == "" {
			page = "1"
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"resourceType": "Bundle",
			"entry":        []map[string]any{{"resource": map[string]any{"resourceType": "Condition", "id": "c" + page}}},
			"link":         []map[string]any{{"relation": "next", "url": srvURL + "/Condition?page=" + nextPage(page)}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	srvURL = srv.URL

	c := client.New(auth.AuthConfig{BaseURL: srv.URL, Timeout: 30, VerifyTLS: true}, nil, client.DefaultConnectionLimits)
	gw := singleSourceBase("s", c)

	bundle, err := gw.Search(context.Background(), "Condition", SearchOptions{Source: "s", FollowPagination: true, MaxPages: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bundle.Entry) != 2 {
		t.Fatalf("expected max_pages=2 to stop at 2 entries, got %d", len(bundle.Entry))
	}
}

func nextPage(n string) string {
	switch n {
	case "1":
		return "2"
	case "2":
		return "3"
	default:
		return "99"
	}
}

// TestBase_Search_Provenance checks every stamped entry carries the
// source urn and the requested tag coding.
func TestBase_Search_Provenance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"resourceType": "Bundle",
			"entry": []map[string]any{
				{"resource": map[string]any{"resourceType": "Condition", "id": "c1"}},
				{"resource": map[string]any{"resourceType": "Condition", "id": "c2"}},
			},
		})
	}))
	defer srv.Close()

	c := client.New(auth.AuthConfig{BaseURL: srv.URL, Timeout: 30, VerifyTLS: true}, nil, client.DefaultConnectionLimits)
	gw := singleSourceBase("s", c)

	bundle, err := gw.Search(context.Background(), "Condition", SearchOptions{
		Source: "s", AddProvenance: true, ProvenanceTag: "aggregated",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bundle.Entry) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(bundle.Entry))
	}
	for _, e := range bundle.Entry {
		var res struct {
			Meta struct {
				Source string `json:"source"`
				Tag    []struct {
					Code string `json:"code"`
				} `json:"tag"`
			} `json:"meta"`
		}
		if err := json.Unmarshal(e.Resource, &res); err != nil {
			t.Fatalf("unmarshal stamped resource: %v", err)
		}
		if res.Meta.Source != "urn:healthchain:source:s" {
			t.Errorf("expected meta.source urn:healthchain:source:s, got %q", res.Meta.Source)
		}
		if len(res.Meta.Tag) != 1 || res.Meta.Tag[0].Code != "aggregated" {
			t.Errorf("expected tag[0].code=aggregated, got %+v", res.Meta.Tag)
		}
	}
}

// TestBase_Create_Update_Delete_Transaction exercises the remaining CRUD
// surface against a single stub server.
func TestBase_Create_Update_Delete_Transaction(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/Patient", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"resourceType": "Patient", "id": "new-1"})
	})
	mux.HandleFunc("/Patient/42", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			_ = json.NewEncoder(w).Encode(map[string]any{"resourceType": "Patient", "id": "42"})
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"resourceType": "Bundle", "type": "transaction-response",
			"entry": []map[string]any{{"resource": map[string]any{"resourceType": "Patient", "id": "42"}}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := client.New(auth.AuthConfig{BaseURL: srv.URL, Timeout: 30, VerifyTLS: true}, nil, client.DefaultConnectionLimits)
	gw := singleSourceBase("s", c)
	ctx := context.Background()

	created, err := gw.Create(ctx, fhirmodels.NewPatient(""), "s")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ResourceID() != "new-1" {
		t.Errorf("expected new-1, got %q", created.ResourceID())
	}

	if _, err := gw.Update(ctx, fhirmodels.NewPatient(""), "s"); err == nil {
		t.Fatal("expected update without id to be rejected")
	}

	updated, err := gw.Update(ctx, fhirmodels.NewPatient("42"), "s")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.ResourceID() != "42" {
		t.Errorf("expected 42, got %q", updated.ResourceID())
	}

	ok, err := gw.Delete(ctx, "Patient", "42", "s")
	if err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}

	txResult, err := gw.Transaction(ctx, &fhirmodels.Bundle{ResourceTypeField: "Bundle", Type: "transaction"}, "s")
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if len(txResult.Entry) != 1 {
		t.Errorf("expected 1 entry in transaction result, got %d", len(txResult.Entry))
	}
}

// TestBase_Predict_RiskAssessment covers predict wrapping for a
// float-returning handler.
func TestBase_Predict_RiskAssessment(t *testing.T) {
	gw := singleSourceBase("s", client.New(auth.AuthConfig{BaseURL: "https://example.org", Timeout: 30, VerifyTLS: true}, nil, client.DefaultConnectionLimits))
	gw.RegisterPredict("RiskAssessment", func(ctx context.Context, patientID string) (any, error) {
		return 0.75, nil
	}, nil)

	result, err := gw.invokePredict(context.Background(), "RiskAssessment", "P1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ra, ok := result.(*fhirmodels.RiskAssessment)
	if !ok {
		t.Fatalf("expected *fhirmodels.RiskAssessment, got %T", result)
	}
	if ra.Status != "final" {
		t.Errorf("expected status final, got %q", ra.Status)
	}
	if ra.Subject.Reference != "Patient/P1" {
		t.Errorf("expected subject Patient/P1, got %q", ra.Subject.Reference)
	}
	if len(ra.Prediction) != 1 || ra.Prediction[0].ProbabilityDecimal == nil || *ra.Prediction[0].ProbabilityDecimal != 0.75 {
		t.Fatalf("expected probabilityDecimal 0.75, got %+v", ra.Prediction)
	}
}

// TestBase_Predict_NotImplemented checks predict-wrapping is undefined for
// any type other than RiskAssessment.
func TestBase_Predict_NotImplemented(t *testing.T) {
	gw := singleSourceBase("s", client.New(auth.AuthConfig{BaseURL: "https://example.org", Timeout: 30, VerifyTLS: true}, nil, client.DefaultConnectionLimits))
	gw.RegisterPredict("Observation", func(ctx context.Context, patientID string) (any, error) {
		return 0.5, nil
	}, nil)

	_, err := gw.invokePredict(context.Background(), "Observation", "P1")
	fe, ok := err.(*fhirerr.FHIRConnectionError)
	if !ok || fe.Kind != fhirerr.KindNotImplemented {
		t.Fatalf("expected NOT_IMPLEMENTED error, got %v", err)
	}
}

// TestBase_Transform_TypeMismatch checks transform registration/invocation
// rejects a handler whose returned resource type does not match.
func TestBase_Transform_TypeMismatch(t *testing.T) {
	gw := singleSourceBase("s", client.New(auth.AuthConfig{BaseURL: "https://example.org", Timeout: 30, VerifyTLS: true}, nil, client.DefaultConnectionLimits))
	gw.RegisterTransform("Patient", func(ctx context.Context, id, source string) (fhirmodels.Resource, error) {
		return &fhirmodels.RiskAssessment{ResourceTypeField: "RiskAssessment", ID: id}, nil
	})

	_, err := gw.invokeTransform(context.Background(), "Patient", "1", "s")
	if err == nil {
		t.Fatal("expected a type-mismatch error")
	}
}
