package clusterd

import (
	"context"
	"encoding/json"
	"expvar"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"time"
)

// AdminServer exposes operational endpoints for a Node over HTTP. All
// responses are JSON. Intended for admin/internal networks only — there
// is no embedded dashboard here, unlike the teacher's prebuilt React UI:
// a cluster of named services has no per-instance state worth a bespoke
// visualization, so status/metrics/schedules JSON plus expvar/pprof is
// the whole surface.
type AdminServer struct {
	node     *Node
	server   *http.Server
	listener net.Listener
}

// NewAdminServer creates an AdminServer bound to addr. Not started until
// Start is called.
func NewAdminServer(node *Node, addr string) (*AdminServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	as := &AdminServer{
		node:     node,
		listener: ln,
		server: &http.Server{
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
	}

	mux.HandleFunc("/cluster/status", as.handleStatus)
	mux.HandleFunc("/cluster/hosts", as.handleHosts)
	mux.HandleFunc("/cluster/schedules", as.handleSchedules)
	mux.HandleFunc("/cluster/types", as.handleTypes)
	mux.HandleFunc("/cluster/locate", as.handleLocate)
	mux.HandleFunc("/debug/vars", expvar.Handler().ServeHTTP)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return as, nil
}

// Addr returns the listener's address (useful when binding to ":0").
func (as *AdminServer) Addr() string {
	return as.listener.Addr().String()
}

// Start begins serving HTTP requests. Non-blocking.
func (as *AdminServer) Start() {
	go func() {
		if err := as.server.Serve(as.listener); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server error", "error", err)
		}
	}()
	slog.Info("admin server started", "addr", as.Addr())
}

// Close gracefully shuts down the admin server.
func (as *AdminServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return as.server.Shutdown(ctx)
}

// --- handlers ---

type statusResponse struct {
	HostID             string           `json:"host_id"`
	State              string           `json:"state"` // "standalone", "clustered", "frozen"
	Epoch              int64            `json:"epoch,omitempty"`
	RemainingLeaseMs   int64            `json:"remaining_lease_ms,omitempty"`
	RenewalFailures    int64            `json:"renewal_failures,omitempty"`
	PendingSchedules   int              `json:"pending_schedules"`
	RegisteredTypes    []string         `json:"registered_types"`
	PlacementCacheSize int              `json:"placement_cache_size"`
	Metrics            map[string]int64 `json:"metrics"`
}

func (as *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	n := as.node

	state := "standalone"
	if n.cluster != nil {
		state = "clustered"
	}
	if n.cluster != nil && n.frozen.Load() {
		state = "frozen"
	}

	resp := statusResponse{
		HostID:           n.LocalHostID(),
		State:            state,
		PendingSchedules: n.scheduler.count(),
		RegisteredTypes:  n.server.RegisteredHandlers(),
		Metrics:          n.metrics.Snapshot(),
	}

	if n.cluster != nil {
		resp.Epoch = n.cluster.LocalEpoch()
		resp.RemainingLeaseMs = n.cluster.RemainingLease().Milliseconds()
		resp.RenewalFailures = n.cluster.ConsecutiveRenewalFailures()
	}

	if n.placementCache != nil {
		resp.PlacementCacheSize = n.placementCache.Len()
	}

	writeJSON(w, resp)
}

type hostsResponse struct {
	Hosts []hostEntry `json:"hosts"`
}

type hostEntry struct {
	HostID      string `json:"host_id"`
	Address     string `json:"address"`
	AdminAddr   string `json:"admin_addr,omitempty"`
	Epoch       int64  `json:"epoch"`
	LeaseExpiry string `json:"lease_expiry"`
}

func (as *AdminServer) handleHosts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	n := as.node
	if n.cluster == nil {
		writeJSON(w, hostsResponse{Hosts: []hostEntry{}})
		return
	}

	live := n.cluster.LiveHosts()
	entries := make([]hostEntry, len(live))
	for i, hi := range live {
		entries[i] = hostEntry{
			HostID:      hi.HostID,
			Address:     hi.Address,
			AdminAddr:   hi.AdminAddr,
			Epoch:       hi.Epoch,
			LeaseExpiry: hi.LeaseExpiry.Format(time.RFC3339),
		}
	}

	writeJSON(w, hostsResponse{Hosts: entries})
}

type scheduleEntry struct {
	ID       int64  `json:"id"`
	Target   string `json:"target"`
	Kind     string `json:"kind"` // "one-shot" or "cron"
	CronExpr string `json:"cron_expr,omitempty"`
	NextFire string `json:"next_fire"`
}

type schedulesResponse struct {
	Schedules []scheduleEntry `json:"schedules"`
}

func (as *AdminServer) handleSchedules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := as.node.scheduler.list()
	entries := make([]scheduleEntry, len(infos))
	for i, s := range infos {
		kind := "cron"
		if s.OneShot {
			kind = "one-shot"
		}
		entries[i] = scheduleEntry{
			ID:       int64(s.ID),
			Target:   s.Target,
			Kind:     kind,
			CronExpr: s.CronExpr,
			NextFire: s.NextFire.Format(time.RFC3339),
		}
	}

	writeJSON(w, schedulesResponse{Schedules: entries})
}

type typesResponse struct {
	Types []string `json:"types"`
}

func (as *AdminServer) handleTypes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, typesResponse{Types: as.node.server.RegisteredHandlers()})
}

type locateResponse struct {
	Name      string `json:"name"`
	Found     bool   `json:"found"`
	OwnerHost string `json:"owner_host,omitempty"`
	Address   string `json:"address,omitempty"`
	Epoch     int64  `json:"epoch,omitempty"`
}

func (as *AdminServer) handleLocate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, `missing "name" query parameter`, http.StatusBadRequest)
		return
	}

	resp := locateResponse{Name: name}
	entry, err := as.node.Locate(name)
	if err == nil {
		resp.Found = true
		resp.OwnerHost = entry.HostID
		resp.Address = entry.Address
		resp.Epoch = entry.Epoch
	} else if err != ErrNoOwner {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("admin: json encode error", "error", err)
	}
}
