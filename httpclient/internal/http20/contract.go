// SPDX-License-Identifier: ice License 1.0

package http20

import (
	"bytes"
	"net"
	"net/http"
	stdlibtime "time"

	"github.com/pkg/errors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/ice-blockchain/hyper/httpclient/internal"
)

// Public API.

var (
	ErrNoSocket      = errors.New("no socket installed on this connection")
	ErrUnknownStream = errors.New("unknown stream id")
	ErrStreamReset   = errors.New("stream reset by peer")
	ErrGoAway        = errors.New("connection closed by peer")
	ErrPushDisabled  = errors.New("peer pushed a stream although push is disabled")
)

// Private API.

const (
	h2ALPNProtocol = "h2"

	initialWindowSize      uint32 = 65535
	defaultMaxFrameSize    uint32 = 16384
	defaultHeaderTableSize uint32 = 4096

	defaultConnTimeout = 30 * stdlibtime.Second
)

type (
	conn struct {
		nc           net.Conn
		framer       *http2.Framer
		henc         *hpack.Encoder
		hdec         *hpack.Decoder
		cfg          *internal.HTTP20Config
		streams      map[internal.StreamID]*stream
		pushStreams  map[internal.StreamID]*stream
		pushes       []*internal.Response
		connWindow   internal.FlowControlManager
		windowFor    internal.WindowManagerFactory
		hbuf         bytes.Buffer
		host         string
		sendWindow   int64
		nextStreamID uint32
		peerMaxFrame uint32
		port         uint16
		preambleSent bool
		lastPong     *[8]byte
	}
	stream struct {
		window         internal.FlowControlManager
		headers        http.Header
		pushedRequest  http.Header
		body           bytes.Buffer
		id             internal.StreamID
		status         int
		resetCode      http2.ErrCode
		reset          bool
		ended          bool
		headersArrived bool
	}
)
