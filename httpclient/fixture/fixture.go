// SPDX-License-Identifier: ice License 1.0

package fixture

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"golang.org/x/net/http2"

	"github.com/ice-blockchain/hyper/log"
)

// StartTestServer spins up a TLS server on a random loopback port. Pass
// []string{"http/1.1"} to pin the older protocol, or include "h2" to let the
// handshake negotiate the upgrade.
func StartTestServer(ctx context.Context, alpnProtocols ...string) *TestServer {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	log.Panic(errors.Wrap(err, "failed to listen on loopback")) //nolint:revive // That's the point.
	certificate, err := tls.X509KeyPair([]byte(localhostCrt), []byte(localhostKey))
	log.Panic(errors.Wrap(err, "failed to parse the localhost key pair")) //nolint:revive // That's the point.
	if len(alpnProtocols) == 0 {
		alpnProtocols = []string{"h2", "http/1.1"}
	}
	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{certificate},
		NextProtos:   alpnProtocols,
	}
	server := &http.Server{Handler: router()} //nolint:gosec // Tests only, no slowloris exposure on loopback.
	log.Panic(errors.Wrap(http2.ConfigureServer(server, nil), "failed to configure http/2")) //nolint:revive // That's the point.
	srv := &TestServer{
		server: server,
		host:   "localhost",
		port:   uint16(listener.Addr().(*net.TCPAddr).Port), //nolint:errcheck,forcetypeassert // It is a TCP listener.
	}
	go func() {
		if sErr := server.Serve(tls.NewListener(listener, tlsCfg)); sErr != nil && !errors.Is(sErr, http.ErrServerClosed) {
			log.Error(errors.Wrap(sErr, "test server stopped unexpectedly"))
		}
	}()
	go func() {
		<-ctx.Done()
		log.Error(errors.Wrap(server.Close(), "failed to close test server"))
	}()

	return srv
}

func router() http.Handler {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	handler := func(ginCtx *gin.Context) {
		body, err := io.ReadAll(ginCtx.Request.Body)
		if err != nil {
			ginCtx.String(http.StatusInternalServerError, "failed to read body")

			return
		}
		ginCtx.Header("X-Echo-Proto", ginCtx.Request.Proto)
		ginCtx.Header("X-Echo-Method", ginCtx.Request.Method)
		if echoBack := ginCtx.GetHeader("X-Echo-Back"); echoBack != "" {
			ginCtx.Header("X-Echo-Back", echoBack)
		}
		if len(body) > 0 {
			ginCtx.Data(http.StatusOK, "application/octet-stream", body)

			return
		}
		ginCtx.String(http.StatusOK, "ok")
	}
	engine.GET("/echo", handler)
	engine.POST("/echo", handler)

	return engine
}

func (s *TestServer) Host() string {
	return s.host
}

func (s *TestServer) Port() uint16 {
	return s.port
}

func (s *TestServer) HostPort() string {
	return net.JoinHostPort(s.host, strconv.Itoa(int(s.port)))
}

// ServerTLSConfig terminates TLS with the embedded localhost certificate and
// the given ALPN set; for tests that need a raw listener instead of a full server.
func ServerTLSConfig(alpnProtocols ...string) *tls.Config {
	certificate, err := tls.X509KeyPair([]byte(localhostCrt), []byte(localhostKey))
	log.Panic(errors.Wrap(err, "failed to parse the localhost key pair")) //nolint:revive // That's the point.

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{certificate},
		NextProtos:   alpnProtocols,
	}
}

// ClientTLSConfig trusts the embedded self-signed localhost certificate.
func ClientTLSConfig() *tls.Config {
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM([]byte(localhostCrt)); !ok {
		log.Panic(errors.New("failed to append the localhost certificate to the pool"))
	}

	return &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool, ServerName: "localhost"}
}
