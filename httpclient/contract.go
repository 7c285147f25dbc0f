// SPDX-License-Identifier: ice License 1.0

package httpclient

import (
	"context"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/ice-blockchain/hyper/httpclient/internal"
)

// Public API.

type (
	// Connection is one logical client connection to a host. It starts out
	// speaking http/1.1 and transparently re-homes itself onto the http/2
	// transport if the TLS handshake's ALPN says so, without the caller
	// noticing anything beyond non-zero stream ids.
	Connection interface {
		// Request issues one request on whichever transport is active.
		// The returned StreamID is 0 on http/1.1.
		Request(method, url string, body io.Reader, headers http.Header) (StreamID, error)
		// Response reads the response for the given stream (0 on http/1.1).
		Response(streamID StreamID) (*Response, error)
		// Ping round-trips a liveness probe; http/2 only.
		Ping(ctx context.Context) error
		// Pushes drains server-pushed responses; http/2 only.
		Pushes() ([]*Response, error)
		// Transport exposes the currently active transport, so callers can
		// reach protocol-specific capabilities this facade doesn't name.
		Transport() Transport
		// Upgraded reports whether the http/2 swap already happened.
		Upgraded() bool
		io.Closer
	}

	StreamID             = internal.StreamID
	Response             = internal.Response
	Transport            = internal.Transport
	Pinger               = internal.Pinger
	PushReceiver         = internal.PushReceiver
	FlowControlManager   = internal.FlowControlManager
	WindowManagerFactory = internal.WindowManagerFactory

	Option func(*options)
)

var (
	// ErrUnexpectedProtocol means the negotiation mechanism selected a
	// protocol outside the allowed http/2 identifier set. That is a broken
	// contract between us and the TLS layer, not a recoverable condition.
	ErrUnexpectedProtocol = errors.New("negotiated protocol is outside the allowed set")

	ErrCapabilityUnsupported = errors.New("active transport does not support this capability")
)

// Private API.

const (
	defaultApplicationYAMLKey = "self"
)

type (
	options struct {
		secure             *bool
		extra              map[string]any
		windowManager      WindowManagerFactory
		applicationYAMLKey string
		port               uint16
		enablePush         bool
	}
	conn struct {
		active    internal.Transport
		h1cfg     *internal.HTTP11Config
		h2cfg     *internal.HTTP20Config
		newHTTP11 internal.HTTP11Factory
		newHTTP20 internal.HTTP20Factory
		host      string
		port      uint16
	}
)
