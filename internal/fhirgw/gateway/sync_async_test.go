package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/healthchain/gateway/internal/fhirgw/pool"
	"github.com/healthchain/gateway/pkg/fhirmodels"
)

func TestNewSync_AddSourceAndRead(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"resourceType": "Patient", "id": "7"})
	}))
	defer srv.Close()

	gw := NewSync(pool.DefaultLimits, nil)
	defer gw.Close()

	if err := gw.AddSource("main", "fhir://"+srv.Listener.Addr().String()+"?verify_ssl=false"); err != nil {
		t.Fatalf("add source: %v", err)
	}
	res, err := gw.Read(context.Background(), "Patient", "7", "main")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if res.ResourceID() != "7" {
		t.Errorf("expected id 7, got %q", res.ResourceID())
	}
	st := gw.PoolStatus()
	if st.ClientKind != "sync" {
		t.Errorf("expected sync pool status, got %+v", st)
	}
}

func TestNewAsync_AddSourceAndRead(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"resourceType": "Patient", "id": "9"})
	}))
	defer srv.Close()

	gw := NewAsync(pool.DefaultLimits, nil)
	defer gw.Close(context.Background())

	if err := gw.AddSource("main", "fhir://"+srv.Listener.Addr().String()+"?verify_ssl=false"); err != nil {
		t.Fatalf("add source: %v", err)
	}
	res, err := gw.Read(context.Background(), "Patient", "9", "main")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if res.ResourceID() != "9" {
		t.Errorf("expected id 9, got %q", res.ResourceID())
	}
}

// TestAsyncGateway_Modify_CreatesWhenMissing: reading a nonexistent id
// starts from an empty resource and creates it.
func TestAsyncGateway_Modify_CreatesWhenMissing(t *testing.T) {
	var created bool
	mux := http.NewServeMux()
	mux.HandleFunc("/Patient/new-id", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{"resourceType": "OperationOutcome"})
	})
	mux.HandleFunc("/Patient", func(w http.ResponseWriter, r *http.Request) {
		created = true
		_ = json.NewEncoder(w).Encode(map[string]any{"resourceType": "Patient", "id": "server-issued", "active": true})
	})
	srv := httptest.NewTLSServer(mux)
	defer srv.Close()

	gw := NewAsync(pool.DefaultLimits, nil)
	defer gw.Close(context.Background())
	if err := gw.AddSource("main", "fhir://"+srv.Listener.Addr().String()+"?verify_ssl=false"); err != nil {
		t.Fatalf("add source: %v", err)
	}

	result, err := gw.Modify(context.Background(), "Patient", "new-id", "main", func(res *fhirmodels.Generic) error {
		res.Fields["active"] = true
		return nil
	})
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	if !created {
		t.Error("expected Modify to POST a create when the id does not yet exist")
	}
	if result.ResourceID() != "server-issued" {
		t.Errorf("expected server-issued id, got %q", result.ResourceID())
	}
}

// TestAsyncGateway_Modify_UpdatesWhenPresent checks Modify reads, mutates,
// then PUTs an existing resource.
func TestAsyncGateway_Modify_UpdatesWhenPresent(t *testing.T) {
	var gotGender string
	mux := http.NewServeMux()
	mux.HandleFunc("/Patient/42", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]any{"resourceType": "Patient", "id": "42", "gender": "unknown"})
		case http.MethodPut:
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			gotGender, _ = body["gender"].(string)
			_ = json.NewEncoder(w).Encode(body)
		}
	})
	srv := httptest.NewTLSServer(mux)
	defer srv.Close()

	gw := NewAsync(pool.DefaultLimits, nil)
	defer gw.Close(context.Background())
	if err := gw.AddSource("main", "fhir://"+srv.Listener.Addr().String()+"?verify_ssl=false"); err != nil {
		t.Fatalf("add source: %v", err)
	}

	_, err := gw.Modify(context.Background(), "Patient", "42", "main", func(res *fhirmodels.Generic) error {
		res.Fields["gender"] = "female"
		return nil
	})
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	if gotGender != "female" {
		t.Errorf("expected mutated gender to be sent on update, got %q", gotGender)
	}
}
