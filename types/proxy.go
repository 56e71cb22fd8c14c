package types

import (
	"fmt"
	"net/url"
	"strconv"
)

// ProxyProtocol is the allowed proxy protocol.
type ProxyProtocol string

const (
	ProxyProtocolHTTP   ProxyProtocol = "http"
	ProxyProtocolHTTPS  ProxyProtocol = "https"
	ProxyProtocolSOCKS5 ProxyProtocol = "socks5"
)

// ProxyEndpoint is an outbound proxy used for portal and destination traffic.
// It is handed to the executor verbatim and applied to HTTP transports.
type ProxyEndpoint struct {
	// Protocol is the proxy protocol.
	Protocol ProxyProtocol `json:"protocol" yaml:"protocol" msgpack:"protocol"`
	// Host is the proxy host.
	Host string `json:"host" yaml:"host" msgpack:"host"`
	// Port is the proxy port (1-65535).
	Port int `json:"port" yaml:"port" msgpack:"port"`
	// Username is the optional username for authentication.
	Username *string `json:"username,omitempty" yaml:"username,omitempty" msgpack:"username,omitempty"`
	// Password is the optional password for authentication.
	Password *string `json:"password,omitempty" yaml:"password,omitempty" msgpack:"password,omitempty"`
}

// Validate checks protocol, port range and the username/password pairing.
func (p *ProxyEndpoint) Validate() error {
	switch p.Protocol {
	case ProxyProtocolHTTP, ProxyProtocolHTTPS, ProxyProtocolSOCKS5:
	default:
		return fmt.Errorf("invalid protocol %q: must be http, https, or socks5", p.Protocol)
	}

	if p.Host == "" {
		return fmt.Errorf("proxy host is required")
	}

	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", p.Port)
	}

	hasUsername := p.Username != nil && *p.Username != ""
	hasPassword := p.Password != nil && *p.Password != ""
	if hasUsername != hasPassword {
		return fmt.Errorf("username and password must be provided together")
	}

	return nil
}

// URL returns the endpoint as a proxy URL suitable for http.ProxyURL.
func (p *ProxyEndpoint) URL() *url.URL {
	u := &url.URL{
		Scheme: string(p.Protocol),
		Host:   p.Host + ":" + strconv.Itoa(p.Port),
	}
	if p.Username != nil && *p.Username != "" {
		if p.Password != nil {
			u.User = url.UserPassword(*p.Username, *p.Password)
		} else {
			u.User = url.User(*p.Username)
		}
	}
	return u
}

// Redact returns a copy of the endpoint without the password.
func (p *ProxyEndpoint) Redact() ProxyEndpointRedacted {
	return ProxyEndpointRedacted{
		Protocol: p.Protocol,
		Host:     p.Host,
		Port:     p.Port,
		Username: p.Username,
	}
}

// ProxyEndpointRedacted is a proxy endpoint without password.
// Used in run reports and logs.
type ProxyEndpointRedacted struct {
	Protocol ProxyProtocol `json:"protocol" msgpack:"protocol"`
	Host     string        `json:"host" msgpack:"host"`
	Port     int           `json:"port" msgpack:"port"`
	Username *string       `json:"username,omitempty" msgpack:"username,omitempty"`
}

// ProxyStrategy picks an endpoint from a pool for each run.
type ProxyStrategy string

const (
	// ProxyStrategyRoundRobin rotates through the pool across runs.
	ProxyStrategyRoundRobin ProxyStrategy = "round_robin"
	// ProxyStrategyRandom picks uniformly at random per run.
	ProxyStrategyRandom ProxyStrategy = "random"
)

// ProxyPool is a named set of interchangeable endpoints.
type ProxyPool struct {
	Name      string          `json:"name" yaml:"name"`
	Strategy  ProxyStrategy   `json:"strategy" yaml:"strategy"`
	Endpoints []ProxyEndpoint `json:"endpoints" yaml:"endpoints"`
}

// Validate checks the pool and every endpoint in it.
func (p *ProxyPool) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("pool name is required")
	}

	switch p.Strategy {
	case ProxyStrategyRoundRobin, ProxyStrategyRandom:
	default:
		return fmt.Errorf("invalid strategy %q: must be round_robin or random", p.Strategy)
	}

	if len(p.Endpoints) == 0 {
		return fmt.Errorf("pool must have at least one endpoint")
	}

	for i, ep := range p.Endpoints {
		if err := ep.Validate(); err != nil {
			return fmt.Errorf("endpoints[%d]: %w", i, err)
		}
	}
	return nil
}

// Warnings returns soft issues that do not block a run.
func (p *ProxyPool) Warnings() []string {
	var warnings []string
	for _, ep := range p.Endpoints {
		if ep.Protocol == ProxyProtocolSOCKS5 {
			warnings = append(warnings, fmt.Sprintf("pool %q contains socks5 endpoints; the executor may not honour them", p.Name))
			break
		}
	}
	return warnings
}
