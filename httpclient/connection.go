// SPDX-License-Identifier: ice License 1.0

package httpclient

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"dario.cat/mergo"
	"github.com/pkg/errors"

	appcfg "github.com/ice-blockchain/hyper/config"
	"github.com/ice-blockchain/hyper/httpclient/internal"
	"github.com/ice-blockchain/hyper/httpclient/internal/http11"
	"github.com/ice-blockchain/hyper/httpclient/internal/http20"
	"github.com/ice-blockchain/hyper/log"
	"github.com/ice-blockchain/hyper/terror"
)

// New builds the facade and eagerly constructs the http/1.1 transport, the
// optimistic default: most negotiations don't upgrade. The http/2 transport
// is not built unless the negotiation signal arrives.
func New(host string, opts ...Option) Connection {
	o := &options{applicationYAMLKey: defaultApplicationYAMLKey}
	for _, opt := range opts {
		opt(o)
	}
	var cfg internal.Config
	appcfg.MustLoadFromKey(o.applicationYAMLKey, &cfg)
	host, port := splitHostPort(host, o.port)
	h1cfg, h2cfg := partition(o, &cfg)
	c := &conn{
		host:      host,
		port:      port,
		h1cfg:     h1cfg,
		h2cfg:     h2cfg,
		newHTTP11: http11.New,
		newHTTP20: http20.New,
	}
	c.active = c.newHTTP11(host, port, h1cfg)

	return c
}

func WithPort(port uint16) Option {
	return func(o *options) { o.port = port }
}

// WithSecure forces TLS on or off for the http/1.1 transport. It means
// nothing to the http/2 transport, which is always secured.
func WithSecure(secure bool) Option {
	return func(o *options) { o.secure = &secure }
}

// WithWindowManager picks the receive-side flow control strategy of the
// http/2 transport.
func WithWindowManager(factory WindowManagerFactory) Option {
	return func(o *options) { o.windowManager = factory }
}

// WithEnablePush lets the server push resources over http/2.
func WithEnablePush(enablePush bool) Option {
	return func(o *options) { o.enablePush = enablePush }
}

// WithExtra adds an open-ended option that is handed to both transports;
// each one ignores the keys it doesn't understand.
func WithExtra(key string, value any) Option {
	return func(o *options) {
		if o.extra == nil {
			o.extra = make(map[string]any, 1)
		}
		o.extra[key] = value
	}
}

func WithApplicationYAMLKey(applicationYAMLKey string) Option {
	return func(o *options) { o.applicationYAMLKey = applicationYAMLKey }
}

//nolint:funlen // The swap protocol reads better as one sequence.
func (c *conn) Request(method, target string, body io.Reader, headers http.Header) (StreamID, error) {
	streamID, err := c.active.Request(method, target, body, headers)
	if err == nil {
		return streamID, nil
	}
	var upgrade *internal.ProtocolNegotiatedError
	if c.Upgraded() || !errors.As(err, &upgrade) {
		// Whatever the http/2 transport signals, it is not a negotiation
		// signal anymore: the swap happens at most once per connection.
		return streamID, err //nolint:wrapcheck // Propagated verbatim, the transport already has the context.
	}
	// The handshake picked http/2. The http/1.1 transport is done for: build
	// the http/2 one around the already-secured socket, emit the preamble the
	// skipped connect path owed, and replay the original request once.
	if !internal.AllowedProtocol(upgrade.Negotiated) {
		log.Panic(terror.New(ErrUnexpectedProtocol, map[string]any{
			"negotiated": upgrade.Negotiated,
			"allowed":    internal.AllowedProtocols,
		}))
	}
	log.Debug(fmt.Sprintf("tls negotiation selected %q, switching %v to the http/2 transport", upgrade.Negotiated, c.host))
	upgraded := c.newHTTP20(c.host, c.port, c.h2cfg)
	upgraded.SetConn(upgrade.Conn)
	c.active = upgraded
	if pErr := upgraded.WritePreamble(); pErr != nil {
		return 0, pErr //nolint:wrapcheck // Propagated verbatim.
	}

	return c.active.Request(method, target, body, headers) //nolint:wrapcheck // Propagated verbatim.
}

func (c *conn) Response(streamID StreamID) (*Response, error) {
	return c.active.Response(streamID) //nolint:wrapcheck // Propagated verbatim.
}

func (c *conn) Ping(ctx context.Context) error {
	pinger, ok := c.active.(Pinger)
	if !ok {
		return errors.Wrapf(ErrCapabilityUnsupported, "ping on %T", c.active)
	}

	return pinger.Ping(ctx) //nolint:wrapcheck // Propagated verbatim.
}

func (c *conn) Pushes() ([]*Response, error) {
	receiver, ok := c.active.(PushReceiver)
	if !ok {
		return nil, errors.Wrapf(ErrCapabilityUnsupported, "pushes on %T", c.active)
	}

	return receiver.Pushes(), nil
}

func (c *conn) Transport() Transport {
	return c.active
}

func (c *conn) Upgraded() bool {
	_, upgraded := c.active.(internal.Upgradable)

	return upgraded
}

func (c *conn) Close() error {
	return c.active.Close() //nolint:wrapcheck // Propagated verbatim.
}

// partition splits the caller's options into the two per-protocol configs:
// named protocol-specific options go to their owner only, every extra key
// goes to both. It cannot fail; a mergo failure here would mean the two
// freshly-made maps disagree on their own type.
func partition(o *options, ambient *internal.Config) (*internal.HTTP11Config, *internal.HTTP20Config) {
	h1cfg := &internal.HTTP11Config{Secure: o.secure, Ambient: ambient, Extra: make(map[string]any, len(o.extra))}
	h2cfg := &internal.HTTP20Config{
		WindowManager: o.windowManager,
		EnablePush:    o.enablePush,
		Ambient:       ambient,
		Extra:         make(map[string]any, len(o.extra)),
	}
	if len(o.extra) > 0 {
		log.Panic(errors.Wrap(mergo.Merge(&h1cfg.Extra, o.extra, mergo.WithOverride), "failed to merge extra options into the http/1.1 config"))
		log.Panic(errors.Wrap(mergo.Merge(&h2cfg.Extra, o.extra, mergo.WithOverride), "failed to merge extra options into the http/2 config"))
	}

	return h1cfg, h2cfg
}

// splitHostPort lets a port embedded in host win over WithPort.
func splitHostPort(host string, port uint16) (string, uint16) {
	if hostOnly, embeddedPort, err := net.SplitHostPort(host); err == nil {
		if parsed, pErr := strconv.ParseUint(embeddedPort, 10, 16); pErr == nil {
			return hostOnly, uint16(parsed)
		}
	}

	return host, port
}
