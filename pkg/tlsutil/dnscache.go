package tlsutil

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

var (
	// Shared caching resolver for outbound clients (analyzer APIs, SMTP)
	globalResolver     *dnscache.Resolver
	globalResolverOnce sync.Once
	resolverMutex      sync.RWMutex
	resolverRefreshTTL = 5 * time.Minute
)

// GetDNSResolver returns the shared DNS resolver, starting its refresh loop
// on first use.
func GetDNSResolver() *dnscache.Resolver {
	globalResolverOnce.Do(func() {
		resolverMutex.RLock()
		ttl := resolverRefreshTTL
		resolverMutex.RUnlock()
		initDNSResolver(ttl)
	})
	return globalResolver
}

func initDNSResolver(ttl time.Duration) {
	log.Debug().Dur("ttl", ttl).Msg("Initializing DNS resolver cache")

	globalResolver = &dnscache.Resolver{}

	go func() {
		ticker := time.NewTicker(ttl)
		defer ticker.Stop()

		for range ticker.C {
			// Drop entries that were not used since the last refresh.
			globalResolver.Refresh(true)
		}
	}()
}

// SetDNSCacheTTL updates the refresh interval. It only has an effect before
// the first client is created.
func SetDNSCacheTTL(ttl time.Duration) {
	resolverMutex.Lock()
	defer resolverMutex.Unlock()

	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	resolverRefreshTTL = ttl
}

// DialContextWithCache resolves through the cache and tries each address
// until one connects.
func DialContextWithCache(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	ips, err := GetDNSResolver().LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// NewHTTPClient returns a client whose transport dials through the DNS cache.
// timeout bounds the whole request; zero means no client-side limit.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           DialContextWithCache,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

// ClientConfig is the TLS configuration used for outbound connections.
func ClientConfig(serverName string, skipVerify bool) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: skipVerify, //nolint:gosec // opt-in for self-signed relays
	}
}
