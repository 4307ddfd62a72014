// ABOUTME: Corefile parser and plugin registration for openvpn2dns.
// ABOUTME: Loads the INI file and the initial zones at setup; starts watchers and servers in OnStartup.

package openvpn2dns

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/coredns/caddy"
	"github.com/coredns/coredns/core/dnsserver"
	"github.com/coredns/coredns/plugin"
)

func init() { plugin.Register(pluginName, setup) }

// pluginConfig holds parsed Corefile configuration.
type pluginConfig struct {
	iniFile       string
	reload        time.Duration
	watch         bool
	debounce      time.Duration
	notifyTimeout time.Duration

	apiListen    string
	apiToken     string
	apiTLS       *tlsConfig
	apiAllowedCN []string
	apiNoAuth    bool

	grpcListen    string
	grpcToken     string
	grpcTLS       *tlsConfig
	grpcAllowedCN []string
	grpcNoAuth    bool

	fallArgs []string
}

// runtimeKey identifies the shared runtime of one INI file in the caddy
// instance storage. Every key of a server block runs setup; they share one
// handler, watcher, and set of management servers.
type runtimeKey string

// pluginRuntime is everything one INI file needs while the server runs.
type pluginRuntime struct {
	handler  *Handler
	notifier *NotifyClient
	watcher  *Watcher
	api      *APIServer
	grpc     *GRPCServer
}

func setup(c *caddy.Controller) error {
	pc, err := parseCorefile(c)
	if err != nil {
		return plugin.Error(pluginName, err)
	}

	key := runtimeKey(pc.iniFile)
	rt, _ := c.Get(key).(*pluginRuntime)
	if rt == nil {
		if rt, err = newPluginRuntime(pc); err != nil {
			return plugin.Error(pluginName, err)
		}
		c.Set(key, rt)
		c.OnStartup(rt.start)
		c.OnShutdown(rt.stop)
	}

	o := &OpenVPN2DNS{Handler: rt.handler}
	if pc.fallArgs != nil {
		o.Fall.SetZonesFromArgs(pc.fallArgs)
	}

	dnsserver.GetConfig(c).AddPlugin(func(next plugin.Handler) plugin.Handler {
		o.Next = next
		return o
	})

	return nil
}

// newPluginRuntime loads the INI file and the initial zones. Any failure
// here aborts server startup.
func newPluginRuntime(pc *pluginConfig) (*pluginRuntime, error) {
	cfg, err := LoadConfig(pc.iniFile)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", pc.iniFile, err)
	}

	rt := &pluginRuntime{notifier: NewNotifyClient(pc.notifyTimeout)}
	opts := []HandlerOption{WithNotifier(rt.notifier)}

	if pc.grpcListen != "" {
		names := make([]string, len(cfg.Instances))
		for i, inst := range cfg.Instances {
			names[i] = inst.Name
		}
		auth := &Auth{Token: pc.grpcToken, AllowedCN: pc.grpcAllowedCN, NoAuth: pc.grpcNoAuth}
		rt.grpc = NewGRPCServer(names, auth, pc.grpcListen, pc.grpcTLS)
		opts = append(opts, WithReloadHook(rt.grpc.SetInstanceStatus))
	}

	rt.handler = NewHandler(cfg, opts...)
	if err := rt.handler.LoadAll(context.Background()); err != nil {
		rt.notifier.Stop()
		return nil, fmt.Errorf("initial load: %w", err)
	}

	if pc.apiListen != "" {
		auth := &Auth{Token: pc.apiToken, AllowedCN: pc.apiAllowedCN, NoAuth: pc.apiNoAuth}
		rt.api = NewAPIServer(rt.handler, auth, pc.apiListen, pc.apiTLS)
	}
	rt.watcher = NewWatcher(rt.handler, WatchOptions{Notify: pc.watch, Poll: pc.reload, Debounce: pc.debounce})
	return rt, nil
}

func (rt *pluginRuntime) start() error {
	if err := rt.watcher.Start(); err != nil {
		return fmt.Errorf("starting status file watcher: %w", err)
	}
	registerHandler(rt.handler)
	if rt.api != nil {
		if err := rt.api.Start(); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		log.Infof("REST API listening on %s", rt.api.Addr())
	}
	if rt.grpc != nil {
		if err := rt.grpc.Start(); err != nil {
			return fmt.Errorf("starting gRPC server: %w", err)
		}
		log.Infof("gRPC health server listening on %s", rt.grpc.Addr())
	}
	return nil
}

// stop shuts down every reload source before the notifier, so no reload
// schedules a NOTIFY once the notifier is draining.
func (rt *pluginRuntime) stop() error {
	if rt.api != nil {
		rt.api.Stop()
	}
	if rt.grpc != nil {
		rt.grpc.Stop()
	}
	unregisterHandler(rt.handler)
	rt.watcher.Stop()
	rt.notifier.Stop()
	rt.notifier.Wait()
	return nil
}

func parseCorefile(c *caddy.Controller) (*pluginConfig, error) {
	cfg := &pluginConfig{watch: true}

	c.Next() // skip "openvpn2dns"

	args := c.RemainingArgs()
	if len(args) != 1 {
		return nil, fmt.Errorf("openvpn2dns requires exactly one INI file argument")
	}
	path, err := filepath.Abs(args[0])
	if err != nil {
		return nil, fmt.Errorf("INI file %q: %w", args[0], err)
	}
	cfg.iniFile = path

	for c.NextBlock() {
		switch c.Val() {
		case "reload":
			d, err := durationArg(c, "reload")
			if err != nil {
				return nil, err
			}
			cfg.reload = d

		case "watch":
			args := c.RemainingArgs()
			switch {
			case len(args) == 0:
				cfg.watch = true
			case len(args) == 1 && args[0] == "off":
				cfg.watch = false
			case len(args) == 1 && args[0] == "on":
				cfg.watch = true
			default:
				return nil, fmt.Errorf("watch takes an optional on or off argument")
			}

		case "debounce":
			d, err := durationArg(c, "debounce")
			if err != nil {
				return nil, err
			}
			cfg.debounce = d

		case "notify_timeout":
			d, err := durationArg(c, "notify_timeout")
			if err != nil {
				return nil, err
			}
			cfg.notifyTimeout = d

		case "api":
			if err := parseNestedBlock(c, func(key string, c *caddy.Controller) error {
				return parseAPIDirective(key, c, cfg)
			}); err != nil {
				return nil, err
			}

		case "grpc":
			if err := parseNestedBlock(c, func(key string, c *caddy.Controller) error {
				return parseGRPCDirective(key, c, cfg)
			}); err != nil {
				return nil, err
			}

		case "fallthrough":
			cfg.fallArgs = c.RemainingArgs()

		default:
			return nil, fmt.Errorf("unknown directive %q", c.Val())
		}
	}

	if !cfg.watch && cfg.reload == 0 {
		log.Warningf("watch is off and no reload interval is set, status files are only read on signal or API request")
	}
	if cfg.apiListen != "" && cfg.apiToken == "" && len(cfg.apiAllowedCN) == 0 && !cfg.apiNoAuth {
		return nil, fmt.Errorf("api block requires token, allowed_cn, or explicit no_auth directive")
	}
	if cfg.grpcListen != "" && cfg.grpcToken == "" && len(cfg.grpcAllowedCN) == 0 && !cfg.grpcNoAuth {
		return nil, fmt.Errorf("grpc block requires token, allowed_cn, or explicit no_auth directive")
	}

	return cfg, nil
}

func durationArg(c *caddy.Controller, name string) (time.Duration, error) {
	if !c.NextArg() {
		return 0, fmt.Errorf("%s requires a duration argument", name)
	}
	d, err := time.ParseDuration(c.Val())
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration %q: %w", name, c.Val(), err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s duration must not be negative: %q", name, c.Val())
	}
	return d, nil
}

// parseNestedBlock manually handles Caddy v1 nested block parsing.
// It consumes the opening `{`, iterates over directives, and stops at `}`.
func parseNestedBlock(c *caddy.Controller, handler func(string, *caddy.Controller) error) error {
	if !c.Next() {
		return nil
	}
	if c.Val() != "{" {
		// Not a block; treat as a single-line directive
		return handler(c.Val(), c)
	}

	for c.Next() {
		if c.Val() == "}" {
			return nil
		}
		if err := handler(c.Val(), c); err != nil {
			return err
		}
	}
	return nil
}

// listenerDirective holds the directives shared by the api and grpc blocks.
type listenerDirective struct {
	listen    *string
	token     *string
	tls       **tlsConfig
	allowedCN *[]string
	noAuth    *bool
}

func (l listenerDirective) parse(block, key string, c *caddy.Controller) error {
	switch key {
	case "listen":
		if !c.NextArg() {
			return fmt.Errorf("%s listen requires an address", block)
		}
		*l.listen = c.Val()

	case "token":
		if !c.NextArg() {
			return fmt.Errorf("%s token requires a value", block)
		}
		*l.token = c.Val()

	case "tls":
		args := c.RemainingArgs()
		if len(args) != 2 && len(args) != 3 {
			return fmt.Errorf("%s tls requires CERT KEY [CA] arguments", block)
		}
		t := &tlsConfig{cert: args[0], key: args[1]}
		if len(args) == 3 {
			t.ca = args[2]
		}
		*l.tls = t

	case "allowed_cn":
		*l.allowedCN = c.RemainingArgs()
		if len(*l.allowedCN) == 0 {
			return fmt.Errorf("allowed_cn requires at least one CN")
		}

	case "no_auth":
		*l.noAuth = true

	default:
		return fmt.Errorf("unknown %s directive %q", block, key)
	}
	return nil
}

func parseAPIDirective(key string, c *caddy.Controller, cfg *pluginConfig) error {
	return listenerDirective{&cfg.apiListen, &cfg.apiToken, &cfg.apiTLS, &cfg.apiAllowedCN, &cfg.apiNoAuth}.parse("api", key, c)
}

func parseGRPCDirective(key string, c *caddy.Controller, cfg *pluginConfig) error {
	return listenerDirective{&cfg.grpcListen, &cfg.grpcToken, &cfg.grpcTLS, &cfg.grpcAllowedCN, &cfg.grpcNoAuth}.parse("grpc", key, c)
}

// handlers tracks the Handler of every running plugin instance so that
// process-level triggers such as SIGHUP reach all of them.
var handlers struct {
	sync.Mutex
	list []*Handler
}

func registerHandler(h *Handler) {
	handlers.Lock()
	defer handlers.Unlock()
	handlers.list = append(handlers.list, h)
}

func unregisterHandler(h *Handler) {
	handlers.Lock()
	defer handlers.Unlock()
	for i, x := range handlers.list {
		if x == h {
			handlers.list = append(handlers.list[:i], handlers.list[i+1:]...)
			return
		}
	}
}

// ReloadAll reloads every instance of every running plugin instance and
// returns all failures joined.
func ReloadAll(ctx context.Context) error {
	handlers.Lock()
	list := append([]*Handler(nil), handlers.list...)
	handlers.Unlock()

	var errs []error
	for _, h := range list {
		errs = append(errs, h.ReloadAll(ctx))
	}
	return errors.Join(errs...)
}
