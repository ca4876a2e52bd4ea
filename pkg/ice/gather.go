package ice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/backkem/mediaplane/pkg/mux"
	"github.com/backkem/mediaplane/pkg/stun"
	"github.com/pion/turn/v4"
)

// localSocket is a gathered socket. STUN goes to the agent loop, everything
// else from a known remote goes to the agent's read buffer.
type localSocket struct {
	mux     *mux.Mux
	closers []io.Closer
}

func (a *Agent) newSocket(conn net.PacketConn, closers ...io.Closer) (*localSocket, error) {
	m, err := mux.NewMux(mux.Config{
		Conn:          conn,
		LoggerFactory: a.config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}
	return &localSocket{mux: m, closers: closers}, nil
}

// attach routes the socket's traffic on behalf of candidate c. It must be
// called before c is shared.
func (a *Agent) attach(s *localSocket, c *Candidate) {
	c.socket = s
	s.mux.Handle(mux.MatchSTUN, func(b []byte, from net.Addr) {
		a.handleInboundSTUN(c, b, from)
	})
	s.mux.Handle(mux.MatchAll, func(b []byte, from net.Addr) {
		a.handleInboundData(c, b, from)
	})
}

func (s *localSocket) writeTo(b []byte, addr net.Addr) (int, error) {
	return s.mux.Send(b, addr)
}

func (s *localSocket) localAddr() net.Addr {
	return s.mux.LocalAddr()
}

func (s *localSocket) close() error {
	err := s.mux.Close()
	for _, c := range s.closers {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// GatherCandidates gathers host, server-reflexive and relay candidates in
// the background. Each is reported through OnCandidate, followed by nil.
func (a *Agent) GatherCandidates() error {
	var gatherErr error
	if err := a.loopDo(func() {
		if a.gatheringState == GatheringStateGathering {
			gatherErr = ErrMultipleGatherAttempted
			return
		}
		a.gatheringState = GatheringStateGathering
	}); err != nil {
		return err
	}
	if gatherErr != nil {
		return gatherErr
	}

	go a.gather()
	return nil
}

func (a *Agent) gather() {
	var wg sync.WaitGroup

	if a.config.TransportPolicy != TransportPolicyRelay {
		hosts := a.gatherHost()
		for _, u := range a.config.Urls {
			if u.Scheme != stun.SchemeTypeSTUN {
				continue
			}
			for _, h := range hosts {
				wg.Add(1)
				go func(u *stun.URI, h *Candidate) {
					defer wg.Done()
					a.gatherServerReflexive(u, h)
				}(u, h)
			}
		}
	}

	for _, u := range a.config.Urls {
		if u.Scheme != stun.SchemeTypeTURN {
			continue
		}
		wg.Add(1)
		go func(u *stun.URI) {
			defer wg.Done()
			a.gatherRelay(u)
		}(u)
	}

	wg.Wait()

	_ = a.run(a.ctx, func(a *Agent) {
		a.gatheringState = GatheringStateComplete
		a.log.Debugf("gathering complete, %d local candidates", len(a.localCandidates))
		a.emitCandidate(nil)
	})
}

func (a *Agent) wantsNetwork(t NetworkType) bool {
	for _, nt := range a.config.NetworkTypes {
		if nt == t {
			return true
		}
	}
	return false
}

// localIPs lists the addresses host candidates are gathered on.
func (a *Agent) localIPs() ([]net.IP, error) {
	ifaces, err := a.net.Interfaces()
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 && !a.config.IncludeLoopback {
			continue
		}
		if a.config.InterfaceFilter != nil && !a.config.InterfaceFilter(iface.Name) {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil {
				continue
			}
			if ip.IsLoopback() && !a.config.IncludeLoopback {
				continue
			}
			// Link-local IPv6 needs a zone we do not carry in candidates.
			if ip.To4() == nil && ip.IsLinkLocalUnicast() {
				continue
			}
			if a.config.IPFilter != nil && !a.config.IPFilter(ip) {
				continue
			}
			nt, _ := determineNetworkType("udp", ip)
			if !a.wantsNetwork(nt) {
				continue
			}
			ips = append(ips, ip)
		}
	}
	return ips, nil
}

func (a *Agent) listenUDP(network string, ip net.IP) (net.PacketConn, error) {
	if a.config.PortMin == 0 && a.config.PortMax == 0 {
		return a.net.ListenUDP(network, &net.UDPAddr{IP: ip})
	}
	portMax := a.config.PortMax
	if portMax == 0 {
		portMax = 65535
	}
	var lastErr error
	for port := int(a.config.PortMin); port <= int(portMax); port++ {
		conn, err := a.net.ListenUDP(network, &net.UDPAddr{IP: ip, Port: port})
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("ice: no free port in %d-%d: %w", a.config.PortMin, portMax, lastErr)
}

func (a *Agent) gatherHost() []*Candidate {
	ips, err := a.localIPs()
	if err != nil {
		a.log.Warnf("failed to list interfaces: %v", err)
		return nil
	}

	var (
		hosts []*Candidate
		names []net.IP
		port  int
	)
	for _, ip := range ips {
		network := "udp4"
		if ip.To4() == nil {
			network = "udp6"
		}
		conn, err := a.listenUDP(network, ip)
		if err != nil {
			a.log.Warnf("could not listen %s %s: %v", network, ip, err)
			continue
		}
		laddr, ok := conn.LocalAddr().(*net.UDPAddr)
		if !ok {
			_ = conn.Close()
			continue
		}

		address := ip.String()
		if a.advertiser != nil {
			address = a.mdnsName
			names = append(names, ip)
			if port == 0 {
				port = laddr.Port
			}
		}

		c, err := NewCandidate(CandidateConfig{
			Type:      CandidateTypeHost,
			Network:   "udp",
			Address:   address,
			Port:      laddr.Port,
			Component: ComponentRTP,
		})
		if err != nil {
			_ = conn.Close()
			a.log.Warnf("failed to create host candidate: %v", err)
			continue
		}
		if c.ip == nil {
			c.ip = ip
			c.NetworkType, _ = determineNetworkType("udp", ip)
		}

		s, err := a.newSocket(conn)
		if err != nil {
			_ = conn.Close()
			continue
		}
		a.attach(s, c)

		if !a.commitCandidate(s, c) {
			return hosts
		}
		hosts = append(hosts, c)
	}

	if len(names) > 0 {
		if err := a.advertiser.Publish(a.mdnsName, port, names...); err != nil {
			a.log.Warnf("failed to publish %s: %v", a.mdnsName, err)
		}
	}
	return hosts
}

// commitCandidate hands a candidate and its socket to the loop. The socket
// is closed if the agent is already gone.
func (a *Agent) commitCandidate(s *localSocket, c *Candidate) bool {
	err := a.run(a.ctx, func(a *Agent) {
		if s != nil {
			a.sockets = append(a.sockets, s)
		}
		a.addLocalCandidate(c)
	})
	if err != nil {
		if s != nil {
			_ = s.close()
		}
		return false
	}
	return true
}

func (a *Agent) gatherServerReflexive(u *stun.URI, host *Candidate) {
	network := "udp4"
	if host.NetworkType.IsIPv6() {
		network = "udp6"
	}
	serverAddr, err := a.net.ResolveUDPAddr(network, u.Addr())
	if err != nil {
		a.log.Debugf("failed to resolve %s for %s: %v", u, network, err)
		return
	}

	req, err := stun.Build(stun.BindingRequest, stun.RandomTransactionID, stun.Fingerprint)
	if err != nil {
		return
	}

	events := make(chan stun.Event, 1)
	send := func(b []byte) error {
		_, err := host.socket.writeTo(b, serverAddr)
		return err
	}
	if err := a.stunClient.Start(req, send, func(ev stun.Event) { events <- ev }); err != nil {
		a.log.Warnf("binding request to %s failed: %v", u, err)
		return
	}

	ctx, cancel := context.WithTimeout(a.ctx, defaultSrflxTimeout)
	defer cancel()

	var ev stun.Event
	select {
	case ev = <-events:
	case <-ctx.Done():
		a.stunClient.Cancel(req.TransactionID)
		a.log.Debugf("no answer from %s within %s", u, defaultSrflxTimeout)
		return
	}
	if ev.Err != nil {
		if !errors.Is(ev.Err, stun.ErrTransactionStopped) {
			a.log.Debugf("binding request to %s: %v", u, ev.Err)
		}
		return
	}
	if ev.Message.Type != stun.BindingSuccess {
		a.log.Warnf("unexpected %s from %s", ev.Message.Type, u)
		return
	}

	var mapped stun.XORMappedAddress
	if err := mapped.GetFrom(ev.Message); err != nil {
		a.log.Warnf("no XOR-MAPPED-ADDRESS from %s: %v", u, err)
		return
	}

	c, err := NewCandidate(CandidateConfig{
		Type:      CandidateTypeServerReflexive,
		Network:   "udp",
		Address:   mapped.IP.String(),
		Port:      mapped.Port,
		Component: ComponentRTP,
		RelatedAddress: &RelatedAddress{
			Address: host.ip.String(),
			Port:    host.Port,
		},
		Server: u.String(),
	})
	if err != nil {
		a.log.Warnf("failed to create srflx candidate: %v", err)
		return
	}
	c.socket = host.socket
	a.commitCandidate(nil, c)
}

func (a *Agent) gatherRelay(u *stun.URI) {
	loc, err := a.net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		a.log.Warnf("failed to listen for %s: %v", u, err)
		return
	}

	client, err := turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: u.Addr(),
		TURNServerAddr: u.Addr(),
		Username:       u.Username,
		Password:       u.Password,
		Conn:           loc,
		Net:            a.net,
		LoggerFactory:  a.config.LoggerFactory,
	})
	if err != nil {
		_ = loc.Close()
		a.log.Warnf("failed to create TURN client for %s: %v", u, err)
		return
	}
	if err := client.Listen(); err != nil {
		client.Close()
		_ = loc.Close()
		a.log.Warnf("TURN listen %s: %v", u, err)
		return
	}

	relayConn, err := client.Allocate()
	if err != nil {
		client.Close()
		_ = loc.Close()
		a.log.Warnf("TURN allocation on %s refused: %v", u, err)
		return
	}

	raddr, _ := relayConn.LocalAddr().(*net.UDPAddr)
	laddr, _ := loc.LocalAddr().(*net.UDPAddr)
	if raddr == nil || laddr == nil {
		_ = relayConn.Close()
		client.Close()
		_ = loc.Close()
		return
	}

	c, err := NewCandidate(CandidateConfig{
		Type:      CandidateTypeRelay,
		Network:   "udp",
		Address:   raddr.IP.String(),
		Port:      raddr.Port,
		Component: ComponentRTP,
		RelatedAddress: &RelatedAddress{
			Address: laddr.IP.String(),
			Port:    laddr.Port,
		},
		Server: u.String(),
	})
	if err != nil {
		_ = relayConn.Close()
		client.Close()
		_ = loc.Close()
		return
	}

	s, err := a.newSocket(relayConn, closerFunc(func() error {
		client.Close()
		return nil
	}), loc)
	if err != nil {
		_ = relayConn.Close()
		client.Close()
		_ = loc.Close()
		return
	}
	a.attach(s, c)
	a.commitCandidate(s, c)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// handleInboundData delivers non-STUN traffic from known remotes to Conn.
func (a *Agent) handleInboundData(local *Candidate, b []byte, from net.Addr) {
	if !a.isRemoteAddr(from) {
		a.log.Tracef("discarding %d bytes from unknown %s", len(b), from)
		return
	}
	local.touchReceived(time.Now())
	if _, err := a.buf.Write(b); err != nil {
		a.log.Warnf("dropped %d bytes: %v", len(b), err)
	}
}
