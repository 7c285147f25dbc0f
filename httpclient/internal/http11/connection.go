// SPDX-License-Identifier: ice License 1.0

package http11

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	stdlibtime "time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/ice-blockchain/hyper/httpclient/internal"
	"github.com/ice-blockchain/hyper/log"
)

func New(host string, port uint16, cfg *internal.HTTP11Config) internal.Transport {
	if cfg == nil {
		cfg = new(internal.HTTP11Config)
	}
	if cfg.Ambient == nil {
		cfg.Ambient = new(internal.Config)
	}
	var secure bool
	if cfg.Secure != nil {
		secure = *cfg.Secure
	} else {
		secure = port == internal.DefaultSecurePort
	}

	return &conn{cfg: cfg, host: host, port: port, secure: secure}
}

func (c *conn) Request(method, target string, body io.Reader, headers http.Header) (internal.StreamID, error) {
	if err := c.connect(); err != nil {
		return 0, err
	}
	req, err := c.buildRequest(method, target, body, headers)
	if err != nil {
		return 0, err
	}
	if err = req.Write(c.nc); err != nil {
		return 0, errors.Wrapf(err, "failed to write %v %v request to %v", method, target, c.nc.RemoteAddr())
	}
	c.lastReq = req

	return 0, nil
}

func (c *conn) Response(_ internal.StreamID) (*internal.Response, error) {
	if c.nc == nil || c.lastReq == nil {
		return nil, ErrNoPendingRequest
	}
	if readTimeout := c.cfg.Ambient.HTTPClient.ReadTimeout; readTimeout > 0 {
		_ = c.nc.SetReadDeadline(stdlibtime.Now().Add(readTimeout)) //nolint:errcheck // Best effort.
	}
	resp, err := http.ReadResponse(c.nc.br, c.lastReq)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read response for %v %v", c.lastReq.Method, c.lastReq.URL)
	}
	c.lastReq = nil

	return &internal.Response{
		Proto:   resp.Proto,
		Status:  resp.StatusCode,
		Headers: resp.Header,
		Body:    resp.Body,
	}, nil
}

func (c *conn) Close() error {
	if c.nc == nil {
		return nil
	}
	err := multierror.Append(nil, errors.Wrap(c.nc.Close(), "failed to close http/1.1 socket")).ErrorOrNil()
	c.nc = nil

	return err //nolint:wrapcheck // Already wrapped.
}

// connect dials lazily, on the first request. When the TLS handshake's ALPN
// selects an HTTP/2 identifier instead of http/1.1, connect hands the live
// socket back via *internal.ProtocolNegotiatedError and keeps no state: this
// transport must not be used again after that.
func (c *conn) connect() error {
	if c.nc != nil {
		return nil
	}
	connTimeout := c.cfg.Ambient.HTTPClient.ConnTimeout
	if connTimeout == 0 {
		connTimeout = defaultConnTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), connTimeout)
	defer cancel()
	nc, err := c.dial(ctx)
	if err != nil {
		return err
	}
	if !c.secure {
		c.nc = &nconn{Conn: nc, br: bufio.NewReader(nc)}

		return nil
	}
	tlsConn := tls.Client(nc, c.tlsConfig())
	if err = tlsConn.HandshakeContext(ctx); err != nil {
		_ = nc.Close() //nolint:errcheck // The dial failed wholesale.

		return errors.Wrapf(err, "tls handshake with %v failed", c.address())
	}
	if proto := tlsConn.ConnectionState().NegotiatedProtocol; proto != "" && proto != http11ALPNProtocol {
		return &internal.ProtocolNegotiatedError{Negotiated: proto, Conn: tlsConn}
	}
	c.nc = &nconn{Conn: tlsConn, br: bufio.NewReader(tlsConn)}

	return nil
}

func (c *conn) dial(ctx context.Context) (net.Conn, error) {
	var nc net.Conn
	op := func() error {
		dialer := net.Dialer{}
		var dErr error
		if nc, dErr = dialer.DialContext(ctx, "tcp", c.address()); dErr != nil {
			return errors.Wrapf(dErr, "failed to dial %v", c.address())
		}

		return nil
	}
	err := backoff.RetryNotify(
		op,
		backoff.WithContext(&backoff.ExponentialBackOff{
			InitialInterval:     100 * stdlibtime.Millisecond, //nolint:mnd,gomnd // .
			RandomizationFactor: 0.5,                          //nolint:mnd,gomnd // .
			Multiplier:          2.5,                          //nolint:mnd,gomnd // .
			MaxInterval:         stdlibtime.Second,
			MaxElapsedTime:      c.cfg.Ambient.HTTPClient.ConnTimeout,
			Stop:                backoff.Stop,
			Clock:               backoff.SystemClock,
		}, ctx),
		func(e error, next stdlibtime.Duration) {
			log.Error(errors.Wrapf(e, "dialing %v failed. retrying in %v... ", c.address(), next))
		})

	return nc, err //nolint:wrapcheck // Already wrapped inside op.
}

func (c *conn) tlsConfig() *tls.Config {
	tlsCfg := internal.ExtraTLSConfig(c.cfg.Extra)
	if tlsCfg == nil {
		tlsCfg = new(tls.Config)
	} else {
		tlsCfg = tlsCfg.Clone()
	}
	if tlsCfg.ServerName == "" {
		tlsCfg.ServerName = c.host
	}
	if tlsCfg.MinVersion == 0 {
		tlsCfg.MinVersion = tls.VersionTLS12
	}
	if len(tlsCfg.NextProtos) == 0 {
		// The optimistic part of the optimistic default: we speak http/1.1,
		// but we advertise every protocol the facade knows how to swap to.
		tlsCfg.NextProtos = append(append([]string{}, internal.AllowedProtocols...), http11ALPNProtocol)
	}
	if tlsCfg.RootCAs == nil {
		pool, err := c.cfg.Ambient.RootCAPool()
		log.Panic(err) //nolint:revive // A misconfigured trust store is not recoverable.
		tlsCfg.RootCAs = pool
	}
	tlsCfg.InsecureSkipVerify = tlsCfg.InsecureSkipVerify || c.cfg.Ambient.HTTPClient.InsecureSkipVerify

	return tlsCfg
}

func (c *conn) buildRequest(method, target string, body io.Reader, headers http.Header) (*http.Request, error) {
	uri, err := url.ParseRequestURI(target)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid request target %q", target)
	}
	if uri.Host == "" {
		uri.Host = c.authority()
		if uri.Scheme == "" {
			if c.secure {
				uri.Scheme = "https"
			} else {
				uri.Scheme = "http"
			}
		}
	}
	req := &http.Request{
		Method:     method,
		URL:        uri,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     headers,
	}
	if userAgent := internal.ExtraString(c.cfg.Extra, "userAgent"); userAgent != "" && headers.Get("User-Agent") == "" {
		req.Header = headers.Clone()
		if req.Header == nil {
			req.Header = make(http.Header, 1)
		}
		req.Header.Set("User-Agent", userAgent)
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if body != nil {
		req.Body = io.NopCloser(body)
		if sized, ok := body.(interface{ Len() int }); ok {
			req.ContentLength = int64(sized.Len())
		}
	}

	return req, nil
}

func (c *conn) effectivePort() uint16 {
	if c.port != 0 {
		return c.port
	}
	if c.secure {
		return internal.DefaultSecurePort
	}

	return internal.DefaultPlainPort
}

func (c *conn) address() string {
	return net.JoinHostPort(c.host, strconv.Itoa(int(c.effectivePort())))
}

func (c *conn) authority() string {
	port := c.effectivePort()
	if (c.secure && port == internal.DefaultSecurePort) || (!c.secure && port == internal.DefaultPlainPort) {
		return c.host
	}

	return fmt.Sprintf("%v:%v", c.host, port)
}
