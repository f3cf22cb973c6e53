// Package ipfilter restricts HTTP listeners to an allow-list of addresses.
package ipfilter

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Option configures a Filter
type Option func(*Filter)

// TrustProxyHeaders makes the filter read X-Forwarded-For and X-Real-IP.
// Only enable it behind a proxy that overwrites those headers.
func TrustProxyHeaders(trust bool) Option {
	return func(f *Filter) {
		f.trustProxy = trust
	}
}

// WithDeniedHandler replaces the plain-text 403 response
func WithDeniedHandler(h http.Handler) Option {
	return func(f *Filter) {
		f.denied = h
	}
}

// Filter matches client addresses against allowed prefixes.
// An empty filter allows everything.
type Filter struct {
	prefixes   []netip.Prefix
	trustProxy bool
	denied     http.Handler
	logger     *slog.Logger
}

// New parses allowed entries, each a single address or a CIDR. Invalid
// entries are logged and skipped.
func New(allowed []string, logger *slog.Logger, opts ...Option) *Filter {
	f := &Filter{
		logger: logger,
		denied: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Forbidden", http.StatusForbidden)
		}),
	}
	for _, opt := range opts {
		opt(f)
	}

	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		prefix, err := parsePrefix(entry)
		if err != nil {
			logger.Warn("invalid entry in allowed_ips", "entry", entry, "error", err)
			continue
		}
		f.prefixes = append(f.prefixes, prefix)
	}

	return f
}

func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()), nil
}

// Enabled returns true if IP filtering is active
func (f *Filter) Enabled() bool {
	return len(f.prefixes) > 0
}

// Count returns the number of allowed networks
func (f *Filter) Count() int {
	return len(f.prefixes)
}

// Allows reports whether addr may connect
func (f *Filter) Allows(addr netip.Addr) bool {
	if !f.Enabled() {
		return true
	}
	addr = addr.Unmap()
	for _, p := range f.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// AllowsString parses s, with or without a port, and checks it
func (f *Filter) AllowsString(s string) bool {
	addr, ok := parseHost(s)
	if !ok {
		return false
	}
	return f.Allows(addr)
}

// ClientAddr returns the address a request came from
func (f *Filter) ClientAddr(r *http.Request) (netip.Addr, bool) {
	if f.trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
				return addr, true
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
				return addr, true
			}
		}
	}
	return parseHost(r.RemoteAddr)
}

func parseHost(s string) (netip.Addr, bool) {
	host := s
	if h, _, err := net.SplitHostPort(s); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr, true
}

// HTTPMiddleware rejects requests from addresses outside the allow-list
func (f *Filter) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		addr, ok := f.ClientAddr(r)
		if !ok {
			f.logger.Warn("could not parse client IP", "remote_addr", r.RemoteAddr)
			f.denied.ServeHTTP(w, r)
			return
		}
		if !f.Allows(addr) {
			f.logger.Warn("access denied by IP filter", "ip", addr.String(), "path", r.URL.Path)
			f.denied.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r)
	})
}
