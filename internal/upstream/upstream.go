// Package upstream implements the transport half of the active provider: it
// forwards opaque client query bytes to either a Standard (classical UDP)
// or DoH provider and returns the opaque response bytes verbatim, and it
// issues the synthetic, self-originated queries that the control state
// machine and health monitor use to test a provider's reachability.
package upstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/bluele/gcache"
	"github.com/loopdns/loopdns/internal/model"
	"golang.org/x/net/http2"
)

// queryTimeout is the per-attempt timeout for a single Standard-address
// exchange on the forwarding hot path.
const queryTimeout = 5 * time.Second

// dohTimeout bounds a whole DoH request, connection setup included.  It is
// deliberately looser than queryTimeout since a cold DoH request may also
// pay for bootstrap resolution and a TLS handshake.
const dohTimeout = 10 * time.Second

// maxMessageSize is the largest wire-format message this package will read
// from any transport, classical or DoH.
const maxMessageSize = 65535

// dohContentType is the MIME type RFC 8484 mandates for DoH request and
// response bodies.
const dohContentType = "application/dns-message"

// idleConnTimeout is how long a DoH provider's idle HTTP connections are kept
// around before the pool closes them.
const idleConnTimeout = 10 * time.Minute

// bootstrapCacheSize bounds the per-process hostname-to-addresses cache used
// while resolving DoH hostnames; see resolveBootstrap.
const bootstrapCacheSize = 4096

// Transport forwards queries to a model.Provider and runs synthetic test
// queries against one.  It caches DoH HTTP clients per provider so that
// repeated queries against the same active provider reuse connections.
type Transport struct {
	logger *slog.Logger

	bootstrapCache gcache.Cache

	mu         sync.Mutex
	dohClients map[string]*http.Client
}

// New returns a ready-to-use Transport.  logger must not be nil.
func New(logger *slog.Logger) *Transport {
	return &Transport{
		logger:         logger,
		bootstrapCache: gcache.New(bootstrapCacheSize).LRU().Build(),
		dohClients:     make(map[string]*http.Client),
	}
}

// Close releases every cached DoH client's idle connections.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range t.dohClients {
		c.CloseIdleConnections()
	}

	t.dohClients = make(map[string]*http.Client)
}

// Query forwards the opaque wire-format message query to p and returns the
// opaque wire-format response, unparsed and unmodified.
func (t *Transport) Query(ctx context.Context, p *model.Provider, query []byte) (resp []byte, err error) {
	switch p.Kind {
	case model.ProviderKindStandard:
		resp, err = t.queryStandard(ctx, p.Standard.Ordered(), query)
	case model.ProviderKindDoH:
		resp, err = t.queryDoH(ctx, p, query)
	default:
		return nil, fmt.Errorf("provider %s: unknown kind %q", p.Name, p.Kind)
	}

	if err != nil {
		return nil, errors.Annotate(err, "querying provider %s: %w", p.Name)
	}

	return resp, nil
}

// dohClientFor returns the cached *http.Client for p, building and caching a
// fresh one on first use or after ForgetProvider invalidates it.
func (t *Transport) dohClientFor(ctx context.Context, p *model.Provider) (c *http.Client, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.dohClients[p.DoH.URL]; ok {
		return c, nil
	}

	c, err = t.buildDoHClient(ctx, p)
	if err != nil {
		return nil, err
	}

	t.dohClients[p.DoH.URL] = c

	return c, nil
}

// ForgetProvider discards any cached DoH client for p, so that the next query
// rebuilds the connection pool from scratch.  Callers use this when the
// active provider changes.
func (t *Transport) ForgetProvider(p *model.Provider) {
	if p == nil || p.Kind != model.ProviderKindDoH {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.dohClients[p.DoH.URL]; ok {
		c.CloseIdleConnections()
		delete(t.dohClients, p.DoH.URL)
	}
}

// baseTLSConfig is the TLS floor every DoH connection uses: TLS 1.2 and
// above.
func baseTLSConfig(serverName string) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}
}

// buildDoHClient constructs the *http.Client used to talk to p's DoH
// endpoint: a custom TLS dialer resolves the hostname per the four-step
// bootstrap policy while still presenting the URL's hostname as SNI, and the
// connection is upgraded to HTTP/2 explicitly via golang.org/x/net/http2.
func (t *Transport) buildDoHClient(ctx context.Context, p *model.Provider) (c *http.Client, err error) {
	host, _, err := splitDoHHost(p.DoH.URL)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: queryTimeout}

	transport := &http.Transport{
		IdleConnTimeout: idleConnTimeout,
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			_, port, splitErr := net.SplitHostPort(addr)
			if splitErr != nil {
				return nil, splitErr
			}

			ip, resolveErr := t.resolveBootstrap(ctx, p, host)
			if resolveErr != nil {
				return nil, resolveErr
			}

			tlsConn, dialErr := tls.DialWithDialer(
				dialer,
				network,
				net.JoinHostPort(ip.String(), port),
				baseTLSConfig(host),
			)
			if dialErr != nil {
				return nil, dialErr
			}

			return tlsConn, nil
		},
	}

	if err = http2.ConfigureTransport(transport); err != nil {
		return nil, errors.Annotate(err, "configuring http2 transport: %w")
	}

	return &http.Client{Transport: transport, Timeout: dohTimeout}, nil
}
