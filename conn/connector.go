// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package conn

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/bufbuild/httpengine/httperr"
)

// Destination is where a Connector should connect to.
type Destination struct {
	// Scheme is "http" or "https".
	Scheme string
	// Host is a canonical host name or IP literal, without brackets.
	Host string
	// Port is the numeric port.
	Port string
	// Protocol is the preferred protocol. With TLS, it determines the
	// ALPN protocols that are offered.
	Protocol Protocol
}

// Address returns the "host:port" form of the destination.
func (d Destination) Address() string {
	return net.JoinHostPort(d.Host, d.Port)
}

func (d Destination) String() string {
	return d.Scheme + "://" + d.Address()
}

// Connector establishes transports. Implementations must honor the
// given context for cancellation. The pool calls Connect on a cache
// miss; errors are surfaced to the waiting checkout as connect errors.
type Connector interface {
	Connect(ctx context.Context, dest Destination) (net.Conn, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context, dest Destination) (net.Conn, error)

// Connect implements Connector.
func (f ConnectorFunc) Connect(ctx context.Context, dest Destination) (net.Conn, error) {
	return f(ctx, dest)
}

// TCPOption is an option for a connector created with NewTCPConnector.
type TCPOption interface {
	apply(*tcpOptions)
}

// WithConnectTimeout limits how long establishing a connection, including
// the TLS handshake, may take. If zero or no WithConnectTimeout option is
// used, a default of 30 seconds is used.
func WithConnectTimeout(timeout time.Duration) TCPOption {
	return tcpOptionFunc(func(opts *tcpOptions) {
		opts.timeout = timeout
	})
}

// WithKeepAlive configures the TCP keep-alive period. A negative value
// disables keep-alive probes. If no WithKeepAlive option is used, a default
// of 30 seconds is used.
func WithKeepAlive(period time.Duration) TCPOption {
	return tcpOptionFunc(func(opts *tcpOptions) {
		opts.keepAlive = period
	})
}

// WithNoDelay configures TCP_NODELAY on new sockets. It is enabled by
// default.
func WithNoDelay(noDelay bool) TCPOption {
	return tcpOptionFunc(func(opts *tcpOptions) {
		opts.noDelay = noDelay
	})
}

// WithLocalAddress binds new sockets to the given local IP address.
func WithLocalAddress(addr net.IP) TCPOption {
	return tcpOptionFunc(func(opts *tcpOptions) {
		opts.localAddr = &net.TCPAddr{IP: addr}
	})
}

// WithTLSConfig configures the TLS settings used for "https" destinations.
// If not set, a default configuration is used. The NextProtos of the given
// config are overwritten based on the destination's protocol preference.
func WithTLSConfig(config *tls.Config) TCPOption {
	return tcpOptionFunc(func(opts *tcpOptions) {
		opts.tlsConfig = config
	})
}

// WithEnforceHTTP causes the connector to refuse any destination whose
// scheme is not "http". This is useful when TLS is handled by the caller
// or not supported at all.
func WithEnforceHTTP(enforce bool) TCPOption {
	return tcpOptionFunc(func(opts *tcpOptions) {
		opts.enforceHTTP = enforce
	})
}

type tcpOptionFunc func(*tcpOptions)

func (f tcpOptionFunc) apply(opts *tcpOptions) {
	f(opts)
}

type tcpOptions struct {
	timeout     time.Duration
	keepAlive   time.Duration
	noDelay     bool
	localAddr   *net.TCPAddr
	tlsConfig   *tls.Config
	enforceHTTP bool
}

func (opts *tcpOptions) applyDefaults() {
	if opts.timeout == 0 {
		opts.timeout = 30 * time.Second
	}
	if opts.keepAlive == 0 {
		opts.keepAlive = 30 * time.Second
	}
}

// NewTCPConnector returns a Connector that dials TCP and, for "https"
// destinations, performs a TLS handshake offering ALPN protocols that
// match the destination's protocol preference.
func NewTCPConnector(options ...TCPOption) Connector {
	opts := tcpOptions{noDelay: true}
	for _, opt := range options {
		opt.apply(&opts)
	}
	opts.applyDefaults()
	return &tcpConnector{
		opts: opts,
		dialer: &net.Dialer{
			Timeout:   opts.timeout,
			KeepAlive: opts.keepAlive,
			LocalAddr: opts.localAddr,
		},
	}
}

type tcpConnector struct {
	opts   tcpOptions
	dialer *net.Dialer
}

func (c *tcpConnector) Connect(ctx context.Context, dest Destination) (net.Conn, error) {
	switch dest.Scheme {
	case "http":
	case "https":
		if c.opts.enforceHTTP {
			return nil, httperr.Newf(httperr.KindConnect, "scheme %q not allowed", dest.Scheme)
		}
	default:
		return nil, httperr.Newf(httperr.KindConnect, "unsupported scheme %q", dest.Scheme)
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.timeout)
	defer cancel()
	netConn, err := c.dialer.DialContext(ctx, "tcp", dest.Address())
	if err != nil {
		return nil, &httperr.Error{Kind: httperr.KindConnect, Msg: "dial " + dest.Address(), Err: err}
	}
	if tcpConn, ok := netConn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(c.opts.noDelay)
	}
	if dest.Scheme != "https" {
		return netConn, nil
	}
	tlsConn := tls.Client(netConn, c.tlsConfig(dest))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = netConn.Close()
		return nil, &httperr.Error{Kind: httperr.KindConnect, Msg: "tls handshake with " + dest.Address(), Err: err}
	}
	return tlsConn, nil
}

func (c *tcpConnector) tlsConfig(dest Destination) *tls.Config {
	var config *tls.Config
	if c.opts.tlsConfig != nil {
		config = c.opts.tlsConfig.Clone()
	} else {
		config = &tls.Config{} //nolint:gosec // min version is the library default
	}
	if config.ServerName == "" {
		config.ServerName = dest.Host
	}
	switch dest.Protocol {
	case ProtocolHTTP1:
		config.NextProtos = []string{"http/1.1"}
	case ProtocolHTTP2:
		config.NextProtos = []string{"h2"}
	default:
		config.NextProtos = []string{"h2", "http/1.1"}
	}
	return config
}

// NegotiatedProtocol inspects a transport for a completed TLS handshake and
// returns the protocol chosen via ALPN. It returns ProtocolAuto if the
// transport is not TLS or nothing was negotiated.
func NegotiatedProtocol(transport any) Protocol {
	stater, ok := transport.(interface {
		ConnectionState() tls.ConnectionState
	})
	if !ok {
		return ProtocolAuto
	}
	switch stater.ConnectionState().NegotiatedProtocol {
	case "h2":
		return ProtocolHTTP2
	case "http/1.1":
		return ProtocolHTTP1
	default:
		return ProtocolAuto
	}
}
