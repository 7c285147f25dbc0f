// SPDX-License-Identifier: ice License 1.0

package http11

import (
	"bufio"
	"net"
	"net/http"
	stdlibtime "time"

	"github.com/pkg/errors"

	"github.com/ice-blockchain/hyper/httpclient/internal"
)

// Public API.

var (
	ErrNoPendingRequest = errors.New("no request pending on this connection")
)

// Private API.

const (
	http11ALPNProtocol = "http/1.1"

	defaultConnTimeout = 30 * stdlibtime.Second
)

type (
	conn struct {
		nc      *nconn
		cfg     *internal.HTTP11Config
		lastReq *http.Request
		host    string
		port    uint16
		secure  bool
	}
	nconn struct {
		net.Conn
		br *bufio.Reader
	}
)
