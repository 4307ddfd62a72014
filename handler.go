// ABOUTME: Owns the zone stores of every instance and rebuilds them from status snapshots.
// ABOUTME: Initial load never notifies; later reloads send NOTIFY for each zone that changed.

package openvpn2dns

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// ReloadTrigger is the surface external events use to request reloads.
type ReloadTrigger interface {
	ReloadOne(ctx context.Context, name string) ([]string, error)
	ReloadAll(ctx context.Context) error
}

// instanceState groups the stores of one instance. mu serialises reloads
// of the instance; different instances reload independently.
type instanceState struct {
	inst     *Instance
	mu       sync.Mutex
	forward  *Store
	reverse4 *Store
	reverse6 *Store
	status   atomic.Pointer[InstanceStatus]
}

// InstanceStatus is the outcome of the latest load of an instance.
type InstanceStatus struct {
	Name       string    `json:"name"`
	StatusFile string    `json:"status_file"`
	Zones      []string  `json:"zones"`
	Healthy    bool      `json:"healthy"`
	LastLoad   time.Time `json:"last_load,omitzero"`
	Error      string    `json:"error,omitempty"`
	// Skipped holds the clients of the last successful build that have no
	// records because their name is not a valid host name.
	Skipped []string `json:"skipped_clients,omitempty"`
}

func (st *instanceState) stores() []*Store {
	out := []*Store{st.forward}
	if st.reverse4 != nil {
		out = append(out, st.reverse4)
	}
	if st.reverse6 != nil {
		out = append(out, st.reverse6)
	}
	return out
}

// Handler rebuilds zones and publishes them to stores.
type Handler struct {
	instances []*instanceState
	byName    map[string]*instanceState
	bySource  map[string][]*instanceState
	stores    []*Store
	notifier  Notifier
	hooks     []ReloadHook
	armed     atomic.Bool
}

// ReloadHook observes the result of every load of an instance.
type ReloadHook func(instance string, err error)

// HandlerOption configures optional Handler behaviour.
type HandlerOption func(*Handler)

// WithNotifier replaces the NOTIFY sender.
func WithNotifier(n Notifier) HandlerOption {
	return func(h *Handler) {
		h.notifier = n
	}
}

// WithReloadHook registers fn to run after each load or reload attempt.
func WithReloadHook(fn ReloadHook) HandlerOption {
	return func(h *Handler) {
		h.hooks = append(h.hooks, fn)
	}
}

// NewHandler creates empty stores for every zone in cfg. Nothing is read
// until LoadAll.
func NewHandler(cfg *Config, opts ...HandlerOption) *Handler {
	h := &Handler{
		byName:   make(map[string]*instanceState),
		bySource: make(map[string][]*instanceState),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.notifier == nil {
		h.notifier = NewNotifyClient(DefaultNotifyTimeout)
	}

	for _, inst := range cfg.Instances {
		st := &instanceState{inst: inst, forward: newInstanceStore(inst, inst.Name, KindForward)}
		if inst.Subnet4 != "" {
			st.reverse4 = newInstanceStore(inst, inst.Subnet4, KindReverse4)
		}
		if inst.Subnet6 != "" {
			st.reverse6 = newInstanceStore(inst, inst.Subnet6, KindReverse6)
		}
		h.instances = append(h.instances, st)
		h.byName[inst.Name] = st
		src := filepath.Clean(inst.StatusFile)
		h.bySource[src] = append(h.bySource[src], st)
		h.stores = append(h.stores, st.stores()...)
	}
	return h
}

func newInstanceStore(inst *Instance, apex string, kind ZoneKind) *Store {
	s := NewStore(apex, kind)
	s.instance = inst.Name
	return s
}

// Authorities returns every store in definition order: per instance the
// forward zone, then reverse4, then reverse6.
func (h *Handler) Authorities() []*Store {
	return h.stores
}

// Instances returns the configured instances in definition order.
func (h *Handler) Instances() []*Instance {
	out := make([]*Instance, len(h.instances))
	for i, st := range h.instances {
		out[i] = st.inst
	}
	return out
}

// Sources returns the distinct status file paths being served.
func (h *Handler) Sources() []string {
	out := make([]string, 0, len(h.bySource))
	for _, st := range h.instances {
		src := filepath.Clean(st.inst.StatusFile)
		if slices.Contains(out, src) {
			continue
		}
		out = append(out, src)
	}
	return out
}

// Status returns the latest load outcome of every instance in definition
// order. Instances never loaded are reported unhealthy without an error.
func (h *Handler) Status() []InstanceStatus {
	out := make([]InstanceStatus, len(h.instances))
	for i, st := range h.instances {
		if s := st.status.Load(); s != nil {
			out[i] = *s
			continue
		}
		out[i] = InstanceStatus{Name: st.inst.Name, StatusFile: st.inst.StatusFile, Zones: st.apexes()}
	}
	return out
}

func (st *instanceState) apexes() []string {
	var out []string
	for _, s := range st.stores() {
		out = append(out, s.Apex())
	}
	return out
}

// Ready reports whether the initial load has completed.
func (h *Handler) Ready() bool {
	return h.armed.Load()
}

// LoadAll builds every instance and populates its stores. It never sends
// NOTIFY. Any failure is returned and leaves the handler unarmed.
func (h *Handler) LoadAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, st := range h.instances {
		g.Go(func() error {
			st.mu.Lock()
			defer st.mu.Unlock()
			_, skipped, err := h.load(ctx, st)
			h.record(st, skipped, err)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	h.armed.Store(true)
	log.Infof("loaded %d instances, serving %d zones", len(h.instances), len(h.stores))
	return nil
}

// ReloadOne rebuilds one instance and returns the apexes of the zones that
// changed. On failure the previous zone data stays in place.
func (h *Handler) ReloadOne(ctx context.Context, name string) ([]string, error) {
	st, ok := h.byName[normalizeZone(name)]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownInstance, name)
	}
	return h.reload(ctx, st)
}

// ReloadAll rebuilds every instance. A failing instance does not stop the
// others; all failures are returned joined.
func (h *Handler) ReloadAll(ctx context.Context) error {
	errs := make([]error, len(h.instances))
	var g errgroup.Group
	for i, st := range h.instances {
		g.Go(func() error {
			_, errs[i] = h.reload(ctx, st)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// ReloadSource rebuilds every instance fed by the status file at path.
// Unknown paths are logged and ignored.
func (h *Handler) ReloadSource(ctx context.Context, path string) error {
	states, ok := h.bySource[filepath.Clean(path)]
	if !ok {
		log.Warningf("change reported for unknown status file %s, ignoring", path)
		return nil
	}
	var errs []error
	for _, st := range states {
		if _, err := h.reload(ctx, st); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Handler) reload(ctx context.Context, st *instanceState) ([]string, error) {
	if !h.armed.Load() {
		return nil, fmt.Errorf("reloading %s: %w", st.inst.Name, ErrNotLoaded)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	changed, skipped, err := h.load(ctx, st)
	h.record(st, skipped, err)
	if err != nil {
		reloadCount.WithLabelValues(st.inst.Name, "error").Inc()
		log.Errorf("reloading %s failed, keeping previous data: %v", st.inst.Name, err)
		return nil, err
	}
	result := "unchanged"
	if len(changed) > 0 {
		result = "changed"
	}
	reloadCount.WithLabelValues(st.inst.Name, result).Inc()

	for _, zone := range changed {
		for _, target := range st.inst.Notify {
			h.notifier.Notify(zone, target)
		}
	}
	return changed, nil
}

// load reads the snapshot, builds the zones, and publishes them. It returns
// the changed apexes and the skipped clients. Caller must hold st.mu.
// Nothing is published unless the whole build succeeds.
func (h *Handler) load(ctx context.Context, st *instanceState) ([]string, []string, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	snap, err := ReadStatusFile(st.inst.StatusFile)
	if err != nil {
		return nil, nil, err
	}
	zones, err := BuildZones(st.inst, snap)
	if err != nil {
		return nil, nil, err
	}
	skippedClientGauge.WithLabelValues(st.inst.Name).Set(float64(len(zones.Skipped)))

	var changed []string
	publish := func(s *Store, z *ZoneSet) {
		if s == nil || z == nil {
			return
		}
		if s.SetData(z.SOA, z.Records) {
			zoneChangeCount.WithLabelValues(s.Apex()).Inc()
			log.Infof("zone %s updated, serial %d, %d records", s.Apex(), z.SOA.Serial, s.Len())
			changed = append(changed, s.Apex())
		}
	}
	publish(st.forward, zones.Forward)
	publish(st.reverse4, zones.Reverse4)
	publish(st.reverse6, zones.Reverse6)
	return changed, zones.Skipped, nil
}

// record stores the outcome of a load and runs the reload hooks. A failed
// reload keeps LastLoad and Skipped from the last successful build.
func (h *Handler) record(st *instanceState, skipped []string, err error) {
	next := &InstanceStatus{
		Name:       st.inst.Name,
		StatusFile: st.inst.StatusFile,
		Zones:      st.apexes(),
		Healthy:    err == nil,
	}
	if err != nil {
		next.Error = err.Error()
		if prev := st.status.Load(); prev != nil {
			next.LastLoad = prev.LastLoad
			next.Skipped = prev.Skipped
		}
	} else {
		next.LastLoad = time.Now()
		next.Skipped = skipped
	}
	st.status.Store(next)
	for _, fn := range h.hooks {
		fn(st.inst.Name, err)
	}
}
