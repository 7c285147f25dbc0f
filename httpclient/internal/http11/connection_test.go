// SPDX-License-Identifier: ice License 1.0

package http11_test

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ice-blockchain/hyper/httpclient/fixture"
	"github.com/ice-blockchain/hyper/httpclient/internal"
	"github.com/ice-blockchain/hyper/httpclient/internal/http11"
)

func TestRequestAndResponseOverPlainSocket(t *testing.T) {
	t.Parallel()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	received := make(chan string, 1)
	go func() {
		serverConn, aErr := listener.Accept()
		if aErr != nil {
			return
		}
		defer serverConn.Close()
		reader := bufio.NewReader(serverConn)
		var raw strings.Builder
		for {
			line, rErr := reader.ReadString('\n')
			if rErr != nil {
				return
			}
			raw.WriteString(line)
			if line == "\r\n" {
				break
			}
		}
		received <- raw.String()
		_, _ = io.WriteString(serverConn, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nX-Fixture: yes\r\n\r\nhi") //nolint:errcheck // Scripted peer.
	}()
	port := uint16(listener.Addr().(*net.TCPAddr).Port) //nolint:errcheck,forcetypeassert // It is a TCP listener.
	secure := false
	transport := http11.New("127.0.0.1", port, &internal.HTTP11Config{Secure: &secure})

	streamID, err := transport.Request("GET", "/echo", nil, http.Header{"X-Test": {"1"}})
	require.NoError(t, err)
	assert.Zero(t, streamID)
	raw := <-received
	assert.Contains(t, raw, "GET /echo HTTP/1.1\r\n")
	assert.Contains(t, raw, fmt.Sprintf("Host: 127.0.0.1:%v\r\n", port))
	assert.Contains(t, raw, "X-Test: 1\r\n")

	resp, err := transport.Response(0)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "HTTP/1.1", resp.Proto)
	assert.Equal(t, "yes", resp.Headers.Get("X-Fixture"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(body))
	require.NoError(t, resp.Body.Close())
	require.NoError(t, transport.Close())
}

func TestNegotiationSignalOnALPNUpgrade(t *testing.T) {
	t.Parallel()
	listener, err := tls.Listen("tcp", "127.0.0.1:0", fixture.ServerTLSConfig("h2", "http/1.1"))
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		serverConn, aErr := listener.Accept()
		if aErr != nil {
			return
		}
		tlsConn, _ := serverConn.(*tls.Conn)   //nolint:errcheck // It is a TLS listener.
		assert.NoError(t, tlsConn.Handshake()) //nolint:testifylint // Scripted peer, the socket is left open on purpose.
	}()
	port := uint16(listener.Addr().(*net.TCPAddr).Port) //nolint:errcheck,forcetypeassert // It is a TCP listener.
	secure := true
	transport := http11.New("localhost", port, &internal.HTTP11Config{
		Secure: &secure,
		Extra:  map[string]any{"tlsConfig": fixture.ClientTLSConfig()},
	})

	_, err = transport.Request("GET", "/", nil, nil)
	require.Error(t, err)
	var upgrade *internal.ProtocolNegotiatedError
	require.ErrorAs(t, err, &upgrade)
	assert.Equal(t, "h2", upgrade.Negotiated)
	require.NotNil(t, upgrade.Conn)
	tlsConn, ok := upgrade.Conn.(*tls.Conn)
	require.True(t, ok)
	assert.Equal(t, "h2", tlsConn.ConnectionState().NegotiatedProtocol)
	require.NoError(t, upgrade.Conn.Close())
}

func TestNoSignalWhenALPNPicksHTTP11(t *testing.T) {
	t.Parallel()
	listener, err := tls.Listen("tcp", "127.0.0.1:0", fixture.ServerTLSConfig("http/1.1"))
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		serverConn, aErr := listener.Accept()
		if aErr != nil {
			return
		}
		defer serverConn.Close()
		reader := bufio.NewReader(serverConn)
		for {
			line, rErr := reader.ReadString('\n')
			if rErr != nil {
				return
			}
			if line == "\r\n" {
				break
			}
		}
		_, _ = io.WriteString(serverConn, "HTTP/1.1 204 No Content\r\n\r\n") //nolint:errcheck // Scripted peer.
	}()
	port := uint16(listener.Addr().(*net.TCPAddr).Port) //nolint:errcheck,forcetypeassert // It is a TCP listener.
	secure := true
	transport := http11.New("localhost", port, &internal.HTTP11Config{
		Secure: &secure,
		Extra:  map[string]any{"tlsConfig": fixture.ClientTLSConfig()},
	})

	streamID, err := transport.Request("GET", "/", nil, nil)
	require.NoError(t, err)
	assert.Zero(t, streamID)
	resp, err := transport.Response(0)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.Status)
	require.NoError(t, transport.Close())
}

func TestResponseWithoutPendingRequest(t *testing.T) {
	t.Parallel()
	secure := false
	transport := http11.New("127.0.0.1", 1, &internal.HTTP11Config{Secure: &secure})
	_, err := transport.Response(0)
	require.ErrorIs(t, err, http11.ErrNoPendingRequest)
}
