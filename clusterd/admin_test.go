package clusterd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kilnhq/swarm"
)

func newTestAdminServer(t *testing.T) (*Node, *AdminServer) {
	t.Helper()

	n := testNode(t)
	n.server.RegisterHandler("echo", func() swarm.Handler { return &collectHandler{} })

	as, err := NewAdminServer(n, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewAdminServer: %v", err)
	}
	as.Start()
	t.Cleanup(func() { as.Close() })

	return n, as
}

func TestAdmin_StatusStandalone(t *testing.T) {
	_, as := newTestAdminServer(t)

	resp, err := http.Get("http://" + as.Addr() + "/cluster/status")
	if err != nil {
		t.Fatalf("GET /cluster/status: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if body.State != "standalone" {
		t.Errorf("state = %q, want standalone", body.State)
	}
	if len(body.RegisteredTypes) != 1 || body.RegisteredTypes[0] != "echo" {
		t.Errorf("registered_types = %v, want [echo]", body.RegisteredTypes)
	}
	if body.Metrics == nil {
		t.Error("metrics is nil")
	}
}

func TestAdmin_HostsStandalone(t *testing.T) {
	_, as := newTestAdminServer(t)

	resp, err := http.Get("http://" + as.Addr() + "/cluster/hosts")
	if err != nil {
		t.Fatalf("GET /cluster/hosts: %v", err)
	}
	defer resp.Body.Close()

	var body hostsResponse
	json.NewDecoder(resp.Body).Decode(&body)

	if len(body.Hosts) != 0 {
		t.Errorf("hosts = %v, want empty", body.Hosts)
	}
}

func TestAdmin_LocateMissingParam(t *testing.T) {
	_, as := newTestAdminServer(t)

	resp, err := http.Get("http://" + as.Addr() + "/cluster/locate")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 400 {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAdmin_LocateNotFound(t *testing.T) {
	_, as := newTestAdminServer(t)

	resp, err := http.Get("http://" + as.Addr() + "/cluster/locate?name=echo")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var body locateResponse
	json.NewDecoder(resp.Body).Decode(&body)

	if body.Found {
		t.Error("found = true, want false")
	}
	if body.Name != "echo" {
		t.Errorf("name = %q, want echo", body.Name)
	}
}

func TestAdmin_MethodNotAllowed(t *testing.T) {
	_, as := newTestAdminServer(t)

	endpoints := []string{"/cluster/status", "/cluster/hosts", "/cluster/locate?name=a", "/cluster/types"}
	for _, ep := range endpoints {
		resp, err := http.Post("http://"+as.Addr()+ep, "application/json", nil)
		if err != nil {
			t.Fatalf("POST %s: %v", ep, err)
		}
		resp.Body.Close()
		if resp.StatusCode != 405 {
			t.Errorf("POST %s status = %d, want 405", ep, resp.StatusCode)
		}
	}
}

func TestAdmin_DebugVars(t *testing.T) {
	_, as := newTestAdminServer(t)

	resp, err := http.Get("http://" + as.Addr() + "/debug/vars")
	if err != nil {
		t.Fatalf("GET /debug/vars: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("content-type = %q", ct)
	}
}

func TestAdmin_JSONContentType(t *testing.T) {
	_, as := newTestAdminServer(t)

	endpoints := []string{
		"/cluster/status",
		"/cluster/hosts",
		"/cluster/locate?name=echo",
		"/cluster/types",
	}

	for _, ep := range endpoints {
		resp, err := http.Get("http://" + as.Addr() + ep)
		if err != nil {
			t.Fatalf("GET %s: %v", ep, err)
		}
		resp.Body.Close()
		if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("%s Content-Type = %q, want application/json", ep, ct)
		}
	}
}

func TestAdmin_WriteJSONHandler(t *testing.T) {
	n := testNode(t)
	n.server.RegisterHandler("echo", func() swarm.Handler { return &collectHandler{} })

	as := &AdminServer{node: n}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/cluster/status", nil)
	as.handleStatus(rec, req)

	if rec.Code != 200 {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	var body statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.State != "standalone" {
		t.Errorf("state = %q, want standalone", body.State)
	}
}
