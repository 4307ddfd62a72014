// ABOUTME: REST management API: read-only zone inspection and reload triggers.
// ABOUTME: Uses Go 1.22+ method routing with auth middleware, JSON encoding, and optional TLS.

package openvpn2dns

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-Id"

// zoneSource is the part of Handler the management API reads and drives.
type zoneSource interface {
	ReloadTrigger
	Authorities() []*Store
	Status() []InstanceStatus
}

// zoneSummary describes one served zone.
type zoneSummary struct {
	Zone     string `json:"zone"`
	Kind     string `json:"kind"`
	Instance string `json:"instance"`
	Serial   uint32 `json:"serial"`
	Records  int    `json:"records"`
	Ready    bool   `json:"ready"`
}

type apiZoneListResponse struct {
	Zones []zoneSummary `json:"zones"`
}

type apiZoneResponse struct {
	Zone    zoneSummary `json:"zone"`
	Records []Record    `json:"records"`
}

type apiInstanceListResponse struct {
	Instances []InstanceStatus `json:"instances"`
}

type apiReloadResponse struct {
	Instance string   `json:"instance"`
	Changed  []string `json:"changed"`
}

// apiErrorResponse wraps an error message for JSON serialisation.
type apiErrorResponse struct {
	Error string `json:"error"`
}

// APIServer serves the REST management API.
type APIServer struct {
	zones  zoneSource
	auth   *Auth
	listen string
	tls    *tlsConfig
	server *http.Server
	addr   net.Addr
}

// NewAPIServer creates an API server (not yet started).
func NewAPIServer(zones zoneSource, auth *Auth, listen string, tls *tlsConfig) *APIServer {
	return &APIServer{zones: zones, auth: auth, listen: listen, tls: tls}
}

// handler builds the http.Handler with routing and middleware.
func (a *APIServer) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/zones", a.handleListZones)
	mux.HandleFunc("GET /api/v1/zones/{zone}", a.handleGetZone)
	mux.HandleFunc("GET /api/v1/instances", a.handleListInstances)
	mux.HandleFunc("POST /api/v1/reload", a.handleReloadAll)
	mux.HandleFunc("POST /api/v1/reload/{instance}", a.handleReloadOne)

	return instrument(a.auth.HTTPMiddleware(mux))
}

// Start begins serving the REST API in a background goroutine.
func (a *APIServer) Start() error {
	ln, err := net.Listen("tcp", a.listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.listen, err)
	}

	a.server = &http.Server{
		Handler:           a.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if a.tls != nil {
		tlsCfg, err := buildTLSConfig(a.tls)
		if err != nil {
			ln.Close()
			return fmt.Errorf("API TLS: %w", err)
		}
		a.server.TLSConfig = tlsCfg
	}
	a.addr = ln.Addr()

	go func() {
		var err error
		if a.server.TLSConfig != nil {
			err = a.server.ServeTLS(ln, "", "")
		} else {
			err = a.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("API server error: %v", err)
		}
	}()

	return nil
}

// Addr returns the bound listen address once started.
func (a *APIServer) Addr() net.Addr { return a.addr }

// Stop gracefully shuts down the API server.
func (a *APIServer) Stop() {
	if a.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.server.Shutdown(ctx)
}

func (a *APIServer) handleListZones(w http.ResponseWriter, r *http.Request) {
	zones := []zoneSummary{}
	for _, s := range a.zones.Authorities() {
		zones = append(zones, summarize(s))
	}
	writeJSON(w, http.StatusOK, apiZoneListResponse{Zones: zones})
}

func (a *APIServer) handleGetZone(w http.ResponseWriter, r *http.Request) {
	apex := normalizeZone(r.PathValue("zone"))
	for _, s := range a.zones.Authorities() {
		if s.Apex() != apex {
			continue
		}
		records := []Record{}
		for _, rrs := range s.Records() {
			for _, rr := range rrs {
				records = append(records, recordFromRR(rr))
			}
		}
		slices.SortFunc(records, func(x, y Record) int {
			return cmp.Or(cmp.Compare(x.Name, y.Name), cmp.Compare(x.Type, y.Type), cmp.Compare(x.Value, y.Value))
		})
		writeJSON(w, http.StatusOK, apiZoneResponse{Zone: summarize(s), Records: records})
		return
	}
	writeJSON(w, http.StatusNotFound, apiErrorResponse{Error: fmt.Sprintf("zone %s is not served", apex)})
}

func (a *APIServer) handleListInstances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, apiInstanceListResponse{Instances: a.zones.Status()})
}

func (a *APIServer) handleReloadAll(w http.ResponseWriter, r *http.Request) {
	if err := a.zones.ReloadAll(r.Context()); err != nil {
		writeJSON(w, reloadStatus(err), apiErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, apiInstanceListResponse{Instances: a.zones.Status()})
}

func (a *APIServer) handleReloadOne(w http.ResponseWriter, r *http.Request) {
	name := normalizeZone(r.PathValue("instance"))
	changed, err := a.zones.ReloadOne(r.Context(), name)
	if err != nil {
		writeJSON(w, reloadStatus(err), apiErrorResponse{Error: err.Error()})
		return
	}
	if changed == nil {
		changed = []string{}
	}
	writeJSON(w, http.StatusOK, apiReloadResponse{Instance: name, Changed: changed})
}

// reloadStatus maps a reload error to an HTTP status code.
func reloadStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnknownInstance):
		return http.StatusNotFound
	case errors.Is(err, ErrNotLoaded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func summarize(s *Store) zoneSummary {
	z := zoneSummary{
		Zone:     s.Apex(),
		Kind:     s.Kind().String(),
		Instance: s.Instance(),
		Records:  s.Len(),
		Ready:    s.Ready(),
	}
	if soa := s.SOA(); soa != nil {
		z.Serial = soa.Serial
	}
	return z
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument tags every API request with a request ID and counts it by
// method and response code, including those rejected by authentication.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		apiRequestCount.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		if rec.status >= http.StatusInternalServerError {
			log.Errorf("request %s: %s %s returned %d", id, r.Method, r.URL.Path, rec.status)
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
