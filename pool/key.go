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

package pool

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/bufbuild/httpengine/conn"
	"golang.org/x/net/idna"
)

// Key identifies the connections that can serve a request: same scheme,
// host, port, and a compatible protocol.
type Key struct {
	Scheme   string
	Host     string
	Port     string
	Protocol conn.Protocol
}

// NewKey returns a canonical key. The scheme and host are lower-cased,
// internationalized host names are converted to their ASCII form, IPv6
// brackets are removed, and an empty port is replaced by the scheme's
// default.
func NewKey(scheme, host, port string, protocol conn.Protocol) (Key, error) {
	scheme = strings.ToLower(scheme)
	defaultPort, err := defaultPortFor(scheme)
	if err != nil {
		return Key{}, err
	}
	canonical, err := canonicalHost(host)
	if err != nil {
		return Key{}, err
	}
	if port == "" {
		port = defaultPort
	} else if n, err := strconv.ParseUint(port, 10, 16); err != nil || n == 0 {
		return Key{}, fmt.Errorf("invalid port %q", port)
	}
	return Key{Scheme: scheme, Host: canonical, Port: port, Protocol: protocol}, nil
}

// KeyFromURL returns the canonical key for requests to target.
func KeyFromURL(target *url.URL, protocol conn.Protocol) (Key, error) {
	scheme := target.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return NewKey(scheme, target.Hostname(), target.Port(), protocol)
}

// Destination returns where connections for the key go.
func (k Key) Destination() conn.Destination {
	return conn.Destination{Scheme: k.Scheme, Host: k.Host, Port: k.Port, Protocol: k.Protocol}
}

func (k Key) String() string {
	dest := k.Scheme + "://" + net.JoinHostPort(k.Host, k.Port)
	if k.Protocol == conn.ProtocolAuto {
		return dest
	}
	return dest + " (" + k.Protocol.String() + ")"
}

func defaultPortFor(scheme string) (string, error) {
	switch scheme {
	case "http":
		return "80", nil
	case "https":
		return "443", nil
	default:
		return "", fmt.Errorf("unsupported scheme %q", scheme)
	}
}

func canonicalHost(host string) (string, error) {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" {
		return "", errors.New("missing host")
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("invalid host %q: %w", host, err)
	}
	return strings.ToLower(ascii), nil
}
