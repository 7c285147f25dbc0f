// SPDX-License-Identifier: ice License 1.0

package fixture

import (
	_ "embed"
	"net/http"
)

// Public API.

type (
	// TestServer is a local TLS server speaking whichever ALPN set the test
	// asked for, so both negotiation outcomes can be forced deterministically.
	TestServer struct {
		server *http.Server
		host   string
		port   uint16
	}
)

// Private API.

var (
	//go:embed .testdata/localhost.crt
	localhostCrt string
	//go:embed .testdata/localhost.key
	localhostKey string
)
