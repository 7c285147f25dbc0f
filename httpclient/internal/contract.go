// SPDX-License-Identifier: ice License 1.0

package internal

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	stdlibtime "time"

	"github.com/pkg/errors"
)

// Public API.

type (
	// StreamID identifies one request on a multiplexed connection.
	// It is always 0 on HTTP/1.1, where no stream concept exists.
	StreamID uint32

	Transport interface {
		Request(method, url string, body io.Reader, headers http.Header) (StreamID, error)
		Response(streamID StreamID) (*Response, error)
		io.Closer
	}
	// Upgradable is the extra surface the facade needs in order to swap an
	// already-secured socket into a freshly built transport: the socket slot
	// and the connection preamble that the skipped connect path would have sent.
	Upgradable interface {
		Transport
		SetConn(conn net.Conn)
		WritePreamble() error
	}
	Pinger interface {
		Ping(ctx context.Context) error
	}
	PushReceiver interface {
		Pushes() []*Response
	}

	Response struct {
		Headers  http.Header
		Body     io.ReadCloser
		Proto    string
		Status   int
		StreamID StreamID
	}

	// FlowControlManager owns the receive-side flow control window of one
	// stream (or of the whole connection, for stream 0).
	FlowControlManager interface {
		// Release records that size bytes arrived and returns the
		// WINDOW_UPDATE increment to send back, or 0 to stay silent.
		Release(size uint32) uint32
		// Blocked returns the increment to send when the peer reports
		// it is blocked on our window.
		Blocked() uint32
		WindowSize() uint32
	}
	WindowManagerFactory func(initialWindowSize uint32) FlowControlManager

	// ProtocolNegotiatedError is returned by the HTTP/1.1 transport when the
	// TLS handshake's ALPN selected one of AllowedProtocols instead: it hands
	// the live socket back so the caller can switch transports.
	ProtocolNegotiatedError struct {
		Conn       net.Conn
		Negotiated string
	}

	HTTP11Factory func(host string, port uint16, cfg *HTTP11Config) Transport
	HTTP20Factory func(host string, port uint16, cfg *HTTP20Config) Upgradable

	Config struct {
		HTTPClient struct {
			RootCAs            string              `yaml:"rootCAs" mapstructure:"rootCAs"`
			ConnTimeout        stdlibtime.Duration `yaml:"connTimeout" mapstructure:"connTimeout"`
			ReadTimeout        stdlibtime.Duration `yaml:"readTimeout" mapstructure:"readTimeout"`
			MaxHeaderListSize  uint32              `yaml:"maxHeaderListSize" mapstructure:"maxHeaderListSize"`
			InsecureSkipVerify bool                `yaml:"insecureSkipVerify" mapstructure:"insecureSkipVerify"`
		} `yaml:"hyper/httpclient" mapstructure:"hyper/httpclient"` //nolint:tagliatelle // Nope.
		Development bool `yaml:"development"`
	}
	HTTP11Config struct {
		Secure  *bool
		Extra   map[string]any
		Ambient *Config
	}
	HTTP20Config struct {
		WindowManager WindowManagerFactory
		Extra         map[string]any
		Ambient       *Config
		EnablePush    bool
	}
)

const (
	DefaultSecurePort uint16 = 443
	DefaultPlainPort  uint16 = 80
)

// AllowedProtocols is the fixed set of HTTP/2 ALPN/NPN identifiers that TLS
// negotiation is permitted to select for this client.
//
//nolint:gochecknoglobals // Immutable, protocol-mandated identifiers.
var AllowedProtocols = []string{"h2", "h2-16", "h2-15", "h2-14"}

func AllowedProtocol(name string) bool {
	for _, proto := range AllowedProtocols {
		if proto == name {
			return true
		}
	}

	return false
}

func (e *ProtocolNegotiatedError) Error() string {
	return fmt.Sprintf("tls negotiation selected %q", e.Negotiated)
}

// ExtraString looks up a string-valued key in the shared option bag.
// Non-string values are ignored, the same way protocol-specific keys are
// ignored by the transport they don't belong to.
func ExtraString(extra map[string]any, key string) string {
	if val, found := extra[key]; found {
		if str, ok := val.(string); ok {
			return str
		}
	}

	return ""
}

// RootCAPool loads the configured PEM bundle of trusted roots, or nil when
// the system trust store should be used.
func (cfg *Config) RootCAPool() (*x509.CertPool, error) {
	path := cfg.HTTPClient.RootCAs
	if path == "" {
		return nil, nil //nolint:nilnil // Absence of an override is not an error.
	}
	pem, err := os.ReadFile(path) //nolint:gosec // The path comes from our own config.
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read the rootCAs bundle at %v", path)
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(pem); !ok {
		return nil, errors.Errorf("no certificates found in the rootCAs bundle at %v", path)
	}

	return pool, nil
}

// ExtraTLSConfig returns the caller-supplied *tls.Config override, if any.
func ExtraTLSConfig(extra map[string]any) *tls.Config {
	if val, found := extra["tlsConfig"]; found {
		if tlsCfg, ok := val.(*tls.Config); ok {
			return tlsCfg
		}
	}

	return nil
}
