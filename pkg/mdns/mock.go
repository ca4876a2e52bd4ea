package mdns

import (
	"context"
	"net"
	"strings"
	"sync"
)

// Registry is an in-memory stand-in for the multicast group. Its
// ServerFactory and Resolver share one table, so an Advertiser and a
// resolver built from the same Registry see each other without network I/O.
type Registry struct {
	mu    sync.RWMutex
	hosts map[string][]net.IP
	wait  chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		hosts: make(map[string][]net.IP),
		wait:  make(chan struct{}),
	}
}

type registryServer struct {
	r    *Registry
	host string
}

func (s *registryServer) Shutdown() {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	delete(s.r.hosts, s.host)
}

// RegisterProxy implements ServerFactory.
func (r *Registry) RegisterProxy(instance, service, domain string, port int, host string, ips []string, txt []string, ifaces []net.Interface) (Server, error) {
	parsed := make([]net.IP, 0, len(ips))
	for _, s := range ips {
		if ip := net.ParseIP(s); ip != nil {
			parsed = append(parsed, ip)
		}
	}
	if len(parsed) == 0 {
		return nil, ErrNoAddresses
	}

	key := strings.ToLower(host)
	r.mu.Lock()
	r.hosts[key] = parsed
	close(r.wait)
	r.wait = make(chan struct{})
	r.mu.Unlock()

	return &registryServer{r: r, host: key}, nil
}

// Resolve implements Resolver. It blocks until the name is registered or
// ctx is done, like a multicast query that is repeated until answered.
func (r *Registry) Resolve(ctx context.Context, name string) (net.IP, error) {
	if !IsLocalName(name) {
		return nil, ErrNotLocalName
	}
	key := strings.ToLower(hostLabel(name))

	for {
		r.mu.RLock()
		ips, ok := r.hosts[key]
		wait := r.wait
		r.mu.RUnlock()
		if ok {
			return ips[0], nil
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ErrNotFound
		}
	}
}

// Close implements Resolver.
func (r *Registry) Close() error { return nil }

var (
	_ ServerFactory = (*Registry)(nil)
	_ Resolver      = (*Registry)(nil)
)
