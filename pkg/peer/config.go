package peer

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/backkem/mediaplane/pkg/certificate"
	"github.com/backkem/mediaplane/pkg/dtls"
	"github.com/backkem/mediaplane/pkg/ice"
	"github.com/backkem/mediaplane/pkg/stun"
	"github.com/pion/logging"
	"github.com/pion/sdp/v3"
	"github.com/pion/transport/v3"
)

// ICEServer is a STUN or TURN server. Username and Credential are used for
// TURN only.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// ICETransportPolicy restricts the candidates ICE may use.
type ICETransportPolicy int

const (
	ICETransportPolicyAll ICETransportPolicy = iota
	ICETransportPolicyRelay
)

func (p ICETransportPolicy) String() string {
	switch p {
	case ICETransportPolicyAll:
		return "all"
	case ICETransportPolicyRelay:
		return "relay"
	default:
		return fmt.Sprintf("ICETransportPolicy(%d)", int(p))
	}
}

// BundlePolicy selects how media sections share transports. Every policy
// ends up on one transport here since all sections are bundled.
type BundlePolicy int

const (
	BundlePolicyBalanced BundlePolicy = iota
	BundlePolicyMaxCompat
	BundlePolicyMaxBundle
)

func (p BundlePolicy) String() string {
	switch p {
	case BundlePolicyBalanced:
		return "balanced"
	case BundlePolicyMaxCompat:
		return "max-compat"
	case BundlePolicyMaxBundle:
		return "max-bundle"
	default:
		return fmt.Sprintf("BundlePolicy(%d)", int(p))
	}
}

// RTCPMuxPolicy selects whether RTCP may use its own component. RTCP is
// always muxed with RTP here.
type RTCPMuxPolicy int

const (
	RTCPMuxPolicyRequire RTCPMuxPolicy = iota
	RTCPMuxPolicyNegotiate
)

func (p RTCPMuxPolicy) String() string {
	switch p {
	case RTCPMuxPolicyRequire:
		return "require"
	case RTCPMuxPolicyNegotiate:
		return "negotiate"
	default:
		return fmt.Sprintf("RTCPMuxPolicy(%d)", int(p))
	}
}

var defaultSRTPProfiles = []dtls.SRTPProtectionProfile{
	dtls.SRTP_AEAD_AES_128_GCM,
	dtls.SRTP_AEAD_AES_256_GCM,
	dtls.SRTP_AES128_CM_HMAC_SHA1_80,
	dtls.SRTP_AES128_CM_HMAC_SHA1_32,
}

// Configuration collects the arguments to NewConnection.
type Configuration struct {
	ICEServers           []ICEServer
	ICETransportPolicy   ICETransportPolicy
	BundlePolicy         BundlePolicy
	RTCPMuxPolicy        RTCPMuxPolicy
	ICECandidatePoolSize uint8

	// Certificates authenticate the DTLS handshake. One ECDSA P-256
	// certificate is generated when empty.
	Certificates []*certificate.Certificate

	// SRTPProtectionProfiles are offered in use_srtp in preference order.
	// Defaults to both GCM profiles followed by both AES-CM profiles.
	SRTPProtectionProfiles []dtls.SRTPProtectionProfile

	// DTLSRole is the local a=setup value. Defaults to actpass.
	DTLSRole sdp.ConnectionRole

	// ICE tuning. Zero values use the ice package defaults.
	ICEPortMin          uint16
	ICEPortMax          uint16
	IncludeLoopback     bool
	IPFilter            func(net.IP) bool
	NetworkTypes        []ice.NetworkType
	MulticastDNSMode    ice.MulticastDNSMode
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration

	// Net replaces the OS network stack, for tests on a virtual network.
	Net transport.Net

	LoggerFactory logging.LoggerFactory
}

// validate checks c and returns the ICE server URIs it names.
func (c *Configuration) validate() ([]*stun.URI, error) {
	var urls []*stun.URI
	for _, server := range c.ICEServers {
		if len(server.URLs) == 0 {
			return nil, &ConfigError{Field: "ICEServers", Err: errors.New("server without URLs")}
		}
		for _, raw := range server.URLs {
			u, err := stun.ParseURI(raw)
			if err != nil {
				return nil, &ConfigError{Field: "ICEServers", Err: err}
			}
			if u.Scheme == stun.SchemeTypeTURN || u.Scheme == stun.SchemeTypeTURNS {
				if server.Username == "" || server.Credential == "" {
					return nil, &ConfigError{Field: "ICEServers", Err: fmt.Errorf("%s needs a username and credential", raw)}
				}
				u.Username = server.Username
				u.Password = server.Credential
			}
			urls = append(urls, u)
		}
	}

	if c.ICETransportPolicy != ICETransportPolicyAll && c.ICETransportPolicy != ICETransportPolicyRelay {
		return nil, &ConfigError{Field: "ICETransportPolicy", Err: fmt.Errorf("unknown policy %s", c.ICETransportPolicy)}
	}
	if c.BundlePolicy < BundlePolicyBalanced || c.BundlePolicy > BundlePolicyMaxBundle {
		return nil, &ConfigError{Field: "BundlePolicy", Err: fmt.Errorf("unknown policy %s", c.BundlePolicy)}
	}
	if c.RTCPMuxPolicy != RTCPMuxPolicyRequire && c.RTCPMuxPolicy != RTCPMuxPolicyNegotiate {
		return nil, &ConfigError{Field: "RTCPMuxPolicy", Err: fmt.Errorf("unknown policy %s", c.RTCPMuxPolicy)}
	}

	now := time.Now()
	for i, cert := range c.Certificates {
		if cert == nil || len(cert.Chain) == 0 || cert.PrivateKey == nil {
			return nil, &ConfigError{Field: "Certificates", Err: fmt.Errorf("certificate %d is empty", i)}
		}
		if err := cert.Valid(now); err != nil {
			return nil, &ConfigError{Field: "Certificates", Err: err}
		}
	}

	switch c.DTLSRole {
	case 0, sdp.ConnectionRoleActive, sdp.ConnectionRolePassive, sdp.ConnectionRoleActpass:
	default:
		return nil, &ConfigError{Field: "DTLSRole", Err: fmt.Errorf("unsupported role %s", c.DTLSRole)}
	}
	return urls, nil
}

// applyDefaults fills in default values for unset fields.
func (c *Configuration) applyDefaults() error {
	if len(c.Certificates) == 0 {
		cert, err := certificate.Generate(certificate.KeyTypeECDSAP256)
		if err != nil {
			return err
		}
		c.Certificates = []*certificate.Certificate{cert}
	}
	if len(c.SRTPProtectionProfiles) == 0 {
		c.SRTPProtectionProfiles = defaultSRTPProfiles
	}
	if c.DTLSRole == 0 {
		c.DTLSRole = sdp.ConnectionRoleActpass
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return nil
}

func (c *Configuration) agentConfig(urls []*stun.URI) ice.AgentConfig {
	policy := ice.TransportPolicyAll
	if c.ICETransportPolicy == ICETransportPolicyRelay {
		policy = ice.TransportPolicyRelay
	}
	return ice.AgentConfig{
		Urls:                urls,
		PortMin:             c.ICEPortMin,
		PortMax:             c.ICEPortMax,
		NetworkTypes:        c.NetworkTypes,
		TransportPolicy:     policy,
		CandidatePoolSize:   c.ICECandidatePoolSize,
		MulticastDNSMode:    c.MulticastDNSMode,
		IncludeLoopback:     c.IncludeLoopback,
		IPFilter:            c.IPFilter,
		DisconnectedTimeout: c.DisconnectedTimeout,
		FailedTimeout:       c.FailedTimeout,
		Net:                 c.Net,
		LoggerFactory:       c.LoggerFactory,
	}
}

// DataChannelInit configures CreateDataChannel. Nil fields take their
// defaults: ordered, reliable, and an id picked by the connection.
type DataChannelInit struct {
	Ordered           *bool
	MaxPacketLifeTime *uint16
	MaxRetransmits    *uint16
	Protocol          string
	Negotiated        bool
	ID                *uint16
	Priority          uint16
}
