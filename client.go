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

package httpengine

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/bufbuild/httpengine/body"
	"github.com/bufbuild/httpengine/conn"
	"github.com/bufbuild/httpengine/dispatch"
	"github.com/bufbuild/httpengine/health"
	"github.com/bufbuild/httpengine/httperr"
	"github.com/bufbuild/httpengine/internal/decompress"
	"github.com/bufbuild/httpengine/message"
	"github.com/bufbuild/httpengine/pool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ClientOption is an option used to customize the behavior of a Client.
type ClientOption interface {
	apply(*clientOptions)
}

// WithRootContext configures the root context for the connections a client
// establishes. If not specified, [context.Background] is used. When it is
// cancelled, all of the client's connections are closed.
func WithRootContext(ctx context.Context) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.rootCtx = ctx
	})
}

// WithConnector configures how the client establishes connections. If no
// WithConnector option is provided, a connector created by
// [conn.NewTCPConnector] is used, configured with the WithTLSConfig
// option if present.
func WithConnector(connector conn.Connector) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.connector = connector
	})
}

// WithTLSConfig adds custom TLS configuration to the default connector.
// It has no effect when WithConnector is used.
func WithTLSConfig(config *tls.Config) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.tlsConfig = config
	})
}

// WithProtocol sets the protocol preference for "http" and "https"
// requests. With the default, ProtocolAuto, "https" connections use the
// protocol negotiated via ALPN and "http" connections use HTTP/1.1. Use
// the "h2c" URL scheme to request HTTP/2 over plaintext for a single
// destination instead.
func WithProtocol(protocol conn.Protocol) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.protocol = protocol
	})
}

// WithDecompression makes the client ask for compressed responses, with an
// Accept-Encoding header, and transparently decode them. Requests that
// already carry an Accept-Encoding header are left alone, and so are their
// responses.
func WithDecompression(enabled bool) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.decompression = enabled
	})
}

// WithDefaultTimeout limits requests that otherwise have no timeout to
// the given timeout. Unlike WithRequestTimeout, if the request's context
// already has a deadline, then no timeout is applied. Otherwise, the
// given timeout is used and applies to the entire duration of the request,
// from sending the first request byte to receiving the last response byte.
func WithDefaultTimeout(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.defaultTimeout = duration
		opts.requestTimeout = 0
	})
}

// WithRequestTimeout limits all requests to the given timeout. This time
// is the entire duration of the request, including sending the request,
// writing the request body, waiting for a response, and consuming the
// response body.
func WithRequestTimeout(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.defaultTimeout = 0
		opts.requestTimeout = duration
	})
}

// WithMaxResponseHeaderBytes configures the maximum size of HTTP/1.1
// response heads to consume. If zero or if no WithMaxResponseHeaderBytes
// option is used, the limit is 64 KiB.
func WithMaxResponseHeaderBytes(limit int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.maxResponseHeaderBytes = limit
	})
}

// WithIdleConnectionTimeout configures a timeout for how long an idle
// connection will remain open. If backend servers or intermediary proxies
// place time limits on idle connections, this should be configured to be
// less than that time limit, to prevent the client from trying to use a
// connection that could be concurrently closed by a server for being idle
// for too long. The defaults are those of the pool package.
func WithIdleConnectionTimeout(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.idleConnTimeout = duration
	})
}

// WithKeepWarmTargets names destinations that Prewarm connects to ahead of
// the first request.
//
// Each target must be in "scheme://host:port" format. If the scheme is
// omitted, "http" is assumed.
func WithKeepWarmTargets(targets ...string) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.warmTargets = append(opts.warmTargets, targets...)
	})
}

// WithHealthChecks configures how the pool checks the health of its
// connections. If not specified, connections are polled every 15 seconds
// and HTTP/2 connections are sent a PING each time.
func WithHealthChecks(checker health.Checker) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.healthChecker = checker
	})
}

// WithPoolOptions passes options to the client's connection pool.
func WithPoolOptions(options ...pool.Option) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.poolOptions = append(opts.poolOptions, options...)
	})
}

// WithConnOptions passes options to every connection the client
// establishes. The protocol is always chosen by the client, so a
// dispatch.WithProtocol option here has no effect.
func WithConnOptions(options ...dispatch.Option) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.connOptions = append(opts.connOptions, options...)
	})
}

// WithLogger sets the logger for the client, its pool, and its
// connections. The default discards everything.
func WithLogger(logger *zap.Logger) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.logger = logger
	})
}

// Client sends requests over pooled connections. Connections are kept per
// destination and protocol preference, and reused once the exchange using
// them is complete.
type Client struct {
	opts   *clientOptions
	logger *zap.Logger
	pool   *pool.Pool
}

// NewClient returns a new client that uses the given options.
func NewClient(options ...ClientOption) *Client {
	var opts clientOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	opts.applyDefaults()
	client := &Client{
		opts:   &opts,
		logger: opts.logger,
	}
	poolOptions := []pool.Option{
		pool.WithLogger(opts.logger),
		pool.WithHealthChecker(opts.healthChecker),
	}
	if opts.idleConnTimeout > 0 {
		poolOptions = append(poolOptions, pool.WithIdleTimeout(opts.idleConnTimeout))
	}
	poolOptions = append(poolOptions, opts.poolOptions...)
	client.pool = pool.New(client.dial, poolOptions...)
	return client
}

// NewRequest returns a request head for the given absolute URL. The URL's
// scheme and authority select the destination; the request target is its
// path and query.
func NewRequest(method, rawURL string, pairs ...string) (*message.RequestHead, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if target.Host == "" {
		return nil, fmt.Errorf("URL %q has no host", rawURL)
	}
	head := message.NewRequest(method, target.RequestURI(), pairs...)
	head.Scheme = strings.ToLower(target.Scheme)
	head.Authority = target.Host
	return head, nil
}

// Get sends a GET request for the given URL.
func (c *Client) Get(ctx context.Context, rawURL string) (*dispatch.Response, error) {
	head, err := NewRequest(message.MethodGet, rawURL)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, head, nil)
}

// Do sends a request and waits for the response head. The request's Scheme
// and Authority select the destination, falling back to its Host header
// and "http". A nil reqBody sends no body.
//
// The caller must consume or close the response body. The connection goes
// back to the pool once the response is fully received, or is closed if
// the body is dropped early. An upgraded response's stream belongs to the
// caller.
func (c *Client) Do(ctx context.Context, head *message.RequestHead, reqBody *body.Body) (*dispatch.Response, error) {
	key, err := c.keyFor(head)
	if err != nil {
		_ = reqBody.Close()
		return nil, err
	}
	decode := false
	if c.opts.decompression && head.Method != message.MethodHead &&
		!head.Header.Has("Accept-Encoding") && !head.WantsUpgrade() {
		head = head.Clone()
		head.Header.Set("Accept-Encoding", decompress.AcceptEncoding)
		decode = true
	}
	ctx, cancel := c.requestContext(ctx)

	ex, err := c.submit(ctx, key, head, reqBody)
	if err != nil {
		cancel()
		_ = reqBody.Close()
		return nil, err
	}
	ex.OnDone(func(error) {
		cancel()
	})
	resp, err := ex.Response(ctx)
	if err != nil {
		ex.Cancel()
		return nil, err
	}
	if decode {
		c.decode(resp)
	}
	return resp, nil
}

// submit checks out a connection and submits the request on it. A
// connection that went away before the request was written is discarded,
// and a request without a body is tried once more on another.
func (c *Client) submit(ctx context.Context, key pool.Key, head *message.RequestHead, reqBody *body.Body) (*dispatch.Exchange, error) {
	for attempt := 0; ; attempt++ {
		handle, err := c.pool.Checkout(ctx, key)
		if err != nil {
			return nil, err
		}
		clientConn, ok := handle.Conn().(*dispatch.ClientConn)
		if !ok {
			handle.Discard()
			return nil, fmt.Errorf("unexpected connection type %T", handle.Conn())
		}
		ex, err := clientConn.Submit(ctx, head, reqBody)
		if err == nil {
			ex.OnDone(func(error) {
				handle.Release()
			})
			return ex, nil
		}
		if !httperr.IsConnectionFatal(err) {
			handle.Release()
			return nil, err
		}
		handle.Discard()
		switch kind := httperr.KindOf(err); {
		case attempt > 0, reqBody != nil:
			return nil, err
		case kind == httperr.KindConnectionClosed, kind == httperr.KindConnection:
			c.logger.Debug("connection lost before request was written, retrying",
				zap.Stringer("key", key), zap.Error(err))
		default:
			return nil, err
		}
	}
}

func (c *Client) decode(resp *dispatch.Response) {
	switch {
	case resp.Upgraded != nil, resp.Head.Status == 204, resp.Head.Status == 304:
		return
	}
	encoding := resp.Head.Header.Get("Content-Encoding")
	if encoding == "" || !decompress.Supported(encoding) {
		return
	}
	decoded, err := decompress.Body(resp.Body, encoding)
	if err != nil {
		return
	}
	resp.Head = resp.Head.Clone()
	resp.Head.Header.Del("Content-Encoding")
	resp.Head.Header.Del("Content-Length")
	resp.Body = decoded
}

// Prewarm connects to every target configured via WithKeepWarmTargets, so
// that the first requests to them do not pay for connection setup. The
// given context should usually have a timeout.
func (c *Client) Prewarm(ctx context.Context) error {
	grp, ctx := errgroup.WithContext(ctx)
	for _, target := range c.opts.warmTargets {
		key, err := c.keyForTarget(target)
		if err != nil {
			return err
		}
		grp.Go(func() error {
			handle, err := c.pool.Checkout(ctx, key)
			if err != nil {
				return fmt.Errorf("prewarm %v: %w", key, err)
			}
			handle.Release()
			return nil
		})
	}
	return grp.Wait()
}

// Stats reports the state of the client's connection pool.
func (c *Client) Stats() pool.Stats {
	return c.pool.Stats()
}

// Close closes all connections, including those in use, and stops any
// background goroutines. The client cannot be used afterwards.
func (c *Client) Close() error {
	return c.pool.Close()
}

func (c *Client) dial(ctx context.Context, key pool.Key) (conn.Conn, error) {
	transport, err := c.opts.connector.Connect(ctx, key.Destination())
	if err != nil {
		return nil, err
	}
	options := []dispatch.Option{dispatch.WithLogger(c.logger)}
	if c.opts.maxResponseHeaderBytes > 0 {
		options = append(options, dispatch.WithLimits(dispatch.Limits{MaxHeadBytes: c.opts.maxResponseHeaderBytes}))
	}
	options = append(options, c.opts.connOptions...)
	options = append(options, dispatch.WithProtocol(key.Protocol))
	return dispatch.NewClientConn(c.opts.rootCtx, transport, options...), nil
}

func (c *Client) keyFor(head *message.RequestHead) (pool.Key, error) {
	scheme := head.Scheme
	if scheme == "" {
		scheme = "http"
	}
	authority := head.Authority
	if authority == "" {
		authority = head.Header.Get("Host")
	}
	if authority == "" {
		return pool.Key{}, httperr.New(httperr.KindConnect, "request has no authority")
	}
	return c.key(scheme, authority)
}

func (c *Client) keyForTarget(target string) (pool.Key, error) {
	scheme, authority, ok := strings.Cut(target, "://")
	if !ok {
		scheme, authority = "http", target
	}
	return c.key(scheme, authority)
}

func (c *Client) key(scheme, authority string) (pool.Key, error) {
	protocol := c.opts.protocol
	if strings.EqualFold(scheme, "h2c") {
		scheme = "http"
		protocol = conn.ProtocolHTTP2
	}
	host, port := authority, ""
	if splitHost, splitPort, err := net.SplitHostPort(authority); err == nil {
		host, port = splitHost, splitPort
	}
	key, err := pool.NewKey(scheme, host, port, protocol)
	if err != nil {
		return pool.Key{}, &httperr.Error{Kind: httperr.KindConnect, Msg: "invalid destination", Err: err}
	}
	return key, nil
}

func (c *Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.requestTimeout > 0 {
		return context.WithTimeout(ctx, c.opts.requestTimeout)
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.opts.defaultTimeout > 0 {
		return context.WithTimeout(ctx, c.opts.defaultTimeout)
	}
	return context.WithCancel(ctx)
}

type clientOptionFunc func(*clientOptions)

func (f clientOptionFunc) apply(opts *clientOptions) {
	f(opts)
}

type clientOptions struct {
	rootCtx                context.Context //nolint:containedctx
	connector              conn.Connector
	tlsConfig              *tls.Config
	protocol               conn.Protocol
	decompression          bool
	defaultTimeout         time.Duration
	requestTimeout         time.Duration
	maxResponseHeaderBytes int
	idleConnTimeout        time.Duration
	warmTargets            []string
	healthChecker          health.Checker
	poolOptions            []pool.Option
	connOptions            []dispatch.Option
	logger                 *zap.Logger
}

func (opts *clientOptions) applyDefaults() {
	if opts.rootCtx == nil {
		opts.rootCtx = context.Background()
	}
	if opts.connector == nil {
		var tcpOptions []conn.TCPOption
		if opts.tlsConfig != nil {
			tcpOptions = append(tcpOptions, conn.WithTLSConfig(opts.tlsConfig))
		}
		opts.connector = conn.NewTCPConnector(tcpOptions...)
	}
	if opts.healthChecker == nil {
		opts.healthChecker = health.NewPollingChecker(health.PollingCheckerConfig{}, health.NewPingProber())
	}
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
}
