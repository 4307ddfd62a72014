// ABOUTME: Best-effort DNS NOTIFY sender for secondaries of a changed zone.
// ABOUTME: One UDP attempt per target with a timeout; failures are logged and counted, never retried.

package openvpn2dns

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// DefaultNotifyTimeout bounds how long a NOTIFY attempt waits for a reply.
const DefaultNotifyTimeout = 5 * time.Second

// Notifier schedules a NOTIFY for zone to target without blocking.
type Notifier interface {
	Notify(zone string, target NotifyTarget)
}

// NotifyClient sends NOTIFY messages over UDP. Attempts are independent;
// Stop cancels the ones still waiting for a reply.
type NotifyClient struct {
	client  *dns.Client
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	// mu orders wg.Add in Notify against Stop, so Wait after Stop never
	// races with a new attempt.
	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewNotifyClient returns a client whose attempts wait at most timeout.
// A non-positive timeout selects DefaultNotifyTimeout.
func NewNotifyClient(timeout time.Duration) *NotifyClient {
	if timeout <= 0 {
		timeout = DefaultNotifyTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &NotifyClient{
		client:  &dns.Client{Net: "udp", Timeout: timeout},
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Notify starts one attempt in the background. It is a no-op after Stop.
func (c *NotifyClient) Notify(zone string, target NotifyTarget) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.send(zone, target)
	}()
}

// Stop cancels outstanding attempts and rejects new ones.
func (c *NotifyClient) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.cancel()
}

// Wait blocks until every started attempt has finished. Call it after Stop
// when other goroutines may still call Notify.
func (c *NotifyClient) Wait() {
	c.wg.Wait()
}

// send performs one attempt and reports its outcome.
func (c *NotifyClient) send(zone string, target NotifyTarget) string {
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()

	m := new(dns.Msg)
	m.SetNotify(zone)

	result := "ok"
	r, err := c.exchange(ctx, m, target.Addr())
	switch {
	case err != nil && c.ctx.Err() != nil:
		result = "cancelled"
		log.Debugf("notify %s to %s cancelled", zone, target.Addr())
	case err != nil:
		result = "error"
		var ne interface{ Timeout() bool }
		if ctx.Err() != nil || (errors.As(err, &ne) && ne.Timeout()) {
			result = "timeout"
		}
		log.Infof("notify %s to %s failed: %v", zone, target.Addr(), err)
	case r.Rcode != dns.RcodeSuccess:
		result = "rcode"
		log.Infof("notify %s to %s answered %s", zone, target.Addr(), dns.RcodeToString[r.Rcode])
	default:
		log.Debugf("notify %s to %s acknowledged", zone, target.Addr())
	}
	notifyCount.WithLabelValues(zone, result).Inc()
	return result
}

// exchange closes the connection when ctx ends so a pending read returns
// at once.
func (c *NotifyClient) exchange(ctx context.Context, m *dns.Msg, addr string) (*dns.Msg, error) {
	co, err := c.client.DialContext(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer co.Close()
	stop := context.AfterFunc(ctx, func() { co.Close() })
	defer stop()

	r, _, err := c.client.ExchangeWithConnContext(ctx, m, co)
	return r, err
}
