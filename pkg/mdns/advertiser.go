package mdns

import (
	"fmt"
	"net"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// Service and domain under which host-candidate names are published.
const (
	DefaultService = "_webrtc-ice._udp"
	DefaultDomain  = "local."
)

// Server is a running mDNS publication.
type Server interface {
	// Shutdown stops answering for the published name.
	Shutdown()
}

// ServerFactory starts publications. This allows for dependency injection in tests.
type ServerFactory interface {
	// RegisterProxy answers for host with ips and advertises port under service.
	RegisterProxy(instance, service, domain string, port int, host string, ips []string, txt []string, ifaces []net.Interface) (Server, error)
}

// zeroconfServerFactory is the production implementation using grandcat/zeroconf.
type zeroconfServerFactory struct{}

func (z *zeroconfServerFactory) RegisterProxy(instance, service, domain string, port int, host string, ips []string, txt []string, ifaces []net.Interface) (Server, error) {
	return zeroconf.RegisterProxy(instance, service, domain, port, host, ips, txt, ifaces)
}

// AdvertiserConfig holds configuration for the Advertiser.
type AdvertiserConfig struct {
	// Service overrides DefaultService.
	Service string

	// Interfaces specifies which network interfaces to advertise on.
	// If nil, all interfaces are used.
	Interfaces []net.Interface

	// ServerFactory is the factory for creating mDNS servers.
	// If nil, the default zeroconf factory is used.
	ServerFactory ServerFactory

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

// Advertiser publishes host names for local candidates.
type Advertiser struct {
	config  AdvertiserConfig
	factory ServerFactory
	log     logging.LeveledLogger

	mu     sync.Mutex
	names  map[string]Server
	closed bool
}

// NewAdvertiser creates a new Advertiser with the given configuration.
func NewAdvertiser(config AdvertiserConfig) *Advertiser {
	if config.Service == "" {
		config.Service = DefaultService
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	factory := config.ServerFactory
	if factory == nil {
		factory = &zeroconfServerFactory{}
	}
	return &Advertiser{
		config:  config,
		factory: factory,
		log:     config.LoggerFactory.NewLogger("mdns"),
		names:   make(map[string]Server),
	}
}

// Publish answers queries for name with ips. port is advertised in the
// SRV record of the accompanying service instance.
func (a *Advertiser) Publish(name string, port int, ips ...net.IP) error {
	if !IsLocalName(name) {
		return ErrNotLocalName
	}
	if len(ips) == 0 {
		return ErrNoAddresses
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if _, exists := a.names[name]; exists {
		return ErrAlreadyPublished
	}

	addrs := make([]string, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, ip.String())
	}

	host := hostLabel(name)
	a.log.Debugf("registering mDNS host %s port=%d", host, port)

	server, err := a.factory.RegisterProxy(host, a.config.Service, DefaultDomain, port, host, addrs, nil, a.config.Interfaces)
	if err != nil {
		return fmt.Errorf("mdns: registration failed for %s: %w", name, err)
	}
	a.names[name] = server
	return nil
}

// Withdraw stops answering for name.
func (a *Advertiser) Withdraw(name string) error {
	a.mu.Lock()
	server, ok := a.names[name]
	delete(a.names, name)
	a.mu.Unlock()

	if !ok {
		return ErrNotPublished
	}
	server.Shutdown()
	return nil
}

// Names returns the currently published names.
func (a *Advertiser) Names() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.names))
	for name := range a.names {
		out = append(out, name)
	}
	return out
}

// Close withdraws every name. It is idempotent.
func (a *Advertiser) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	names := a.names
	a.names = make(map[string]Server)
	a.mu.Unlock()

	for _, server := range names {
		server.Shutdown()
	}
	return nil
}
