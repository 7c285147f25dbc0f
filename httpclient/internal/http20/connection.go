// SPDX-License-Identifier: ice License 1.0

package http20

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
	"strings"
	stdlibtime "time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/ice-blockchain/hyper/httpclient/internal"
	"github.com/ice-blockchain/hyper/log"
	"github.com/ice-blockchain/hyper/terror"
)

// New builds the transport without touching the network. The socket either
// arrives later via SetConn (the facade's upgrade path), or is dialed lazily
// on the first request (standalone use).
func New(host string, port uint16, cfg *internal.HTTP20Config) internal.Upgradable {
	if cfg == nil {
		cfg = new(internal.HTTP20Config)
	}
	if cfg.Ambient == nil {
		cfg.Ambient = new(internal.Config)
	}
	windowFor := cfg.WindowManager
	if windowFor == nil {
		windowFor = NewFlowControlManager
	}
	c := &conn{
		cfg:          cfg,
		host:         host,
		port:         port,
		windowFor:    windowFor,
		connWindow:   windowFor(initialWindowSize),
		sendWindow:   int64(initialWindowSize),
		nextStreamID: 1,
		peerMaxFrame: defaultMaxFrameSize,
		streams:      make(map[internal.StreamID]*stream),
		pushStreams:  make(map[internal.StreamID]*stream),
	}
	c.henc = hpack.NewEncoder(&c.hbuf)
	c.hdec = hpack.NewDecoder(defaultHeaderTableSize, nil)

	return c
}

func (c *conn) SetConn(nc net.Conn) {
	c.nc = nc
	c.framer = http2.NewFramer(nc, bufio.NewReader(nc))
}

// WritePreamble emits the fixed client preface followed by our SETTINGS.
// The facade calls this explicitly after SetConn, because the connect path
// that would normally emit it was bypassed.
func (c *conn) WritePreamble() error {
	if c.nc == nil {
		return ErrNoSocket
	}
	if _, err := io.WriteString(c.nc, http2.ClientPreface); err != nil {
		return errors.Wrap(err, "failed to write http/2 client preface")
	}
	var enablePush uint32
	if c.cfg.EnablePush {
		enablePush = 1
	}
	settings := []http2.Setting{
		{ID: http2.SettingEnablePush, Val: enablePush},
		{ID: http2.SettingInitialWindowSize, Val: initialWindowSize},
		{ID: http2.SettingHeaderTableSize, Val: defaultHeaderTableSize},
	}
	if maxHeaderListSize := c.cfg.Ambient.HTTPClient.MaxHeaderListSize; maxHeaderListSize > 0 {
		settings = append(settings, http2.Setting{ID: http2.SettingMaxHeaderListSize, Val: maxHeaderListSize})
	}
	if err := c.framer.WriteSettings(settings...); err != nil {
		return errors.Wrap(err, "failed to write initial SETTINGS")
	}
	c.preambleSent = true

	return nil
}

func (c *conn) Request(method, target string, body io.Reader, headers http.Header) (internal.StreamID, error) {
	if err := c.connect(); err != nil {
		return 0, err
	}
	streamID := internal.StreamID(c.nextStreamID)
	c.nextStreamID += 2 //nolint:mnd,gomnd // Client-initiated streams are odd.
	contentLength := int64(-1)
	if sized, ok := body.(interface{ Len() int }); ok && body != nil {
		contentLength = int64(sized.Len())
	}
	block, err := c.encodeHeaders(method, target, headers, contentLength)
	if err != nil {
		return 0, err
	}
	hErr := c.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      uint32(streamID),
		BlockFragment: block,
		EndHeaders:    true,
		EndStream:     body == nil,
	})
	if hErr != nil {
		return 0, errors.Wrapf(hErr, "failed to write HEADERS for %v %v on stream %v", method, target, streamID)
	}
	c.streams[streamID] = &stream{id: streamID, window: c.windowFor(initialWindowSize)}
	if body != nil {
		if err = c.writeBody(streamID, body); err != nil {
			return 0, err
		}
	}

	return streamID, nil
}

// Response drives the synchronous frame loop until the given stream ends.
// Frames belonging to other streams (including pushed ones) are routed to
// their owners along the way, not dropped.
func (c *conn) Response(streamID internal.StreamID) (*internal.Response, error) {
	strm, found := c.streams[streamID]
	if !found {
		return nil, errors.Wrapf(ErrUnknownStream, "stream %v", streamID)
	}
	if readTimeout := c.cfg.Ambient.HTTPClient.ReadTimeout; readTimeout > 0 && c.nc != nil {
		_ = c.nc.SetReadDeadline(stdlibtime.Now().Add(readTimeout)) //nolint:errcheck // Best effort.
	}
	for !strm.ended {
		if err := c.readFrame(); err != nil {
			return nil, err
		}
	}
	delete(c.streams, streamID)
	if strm.reset {
		return nil, terror.New(ErrStreamReset, map[string]any{"streamID": streamID, "code": strm.resetCode.String()})
	}

	return &internal.Response{
		Proto:    "HTTP/2.0",
		Status:   strm.status,
		Headers:  strm.headers,
		Body:     io.NopCloser(&strm.body),
		StreamID: streamID,
	}, nil
}

func (c *conn) Ping(ctx context.Context) error {
	if err := c.connect(); err != nil {
		return err
	}
	var data [8]byte
	pingID := uuid.New()
	copy(data[:], pingID[:8])
	if err := c.framer.WritePing(false, data); err != nil {
		return errors.Wrap(err, "failed to write PING")
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.nc.SetReadDeadline(deadline) //nolint:errcheck // Best effort.
	}
	c.lastPong = nil
	for ctx.Err() == nil {
		if err := c.readFrame(); err != nil {
			return err
		}
		if c.lastPong != nil && *c.lastPong == data {
			return nil
		}
	}

	return errors.Wrap(ctx.Err(), "ping interrupted")
}

// Pushes drains the server-pushed responses accumulated so far.
func (c *conn) Pushes() []*internal.Response {
	pushes := c.pushes
	c.pushes = nil

	return pushes
}

func (c *conn) Close() error {
	if c.nc == nil {
		return nil
	}
	result := multierror.Append(nil,
		errors.Wrap(c.framer.WriteGoAway(0, http2.ErrCodeNo, nil), "failed to write GOAWAY"),
		errors.Wrap(c.nc.Close(), "failed to close http/2 socket"),
	)
	c.nc = nil

	return result.ErrorOrNil() //nolint:wrapcheck // Already wrapped.
}

func (c *conn) connect() error {
	if c.nc != nil {
		if !c.preambleSent {
			return c.WritePreamble()
		}

		return nil
	}
	connTimeout := c.cfg.Ambient.HTTPClient.ConnTimeout
	if connTimeout == 0 {
		connTimeout = defaultConnTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), connTimeout)
	defer cancel()
	dialer := net.Dialer{}
	nc, err := dialer.DialContext(ctx, "tcp", c.address())
	if err != nil {
		return errors.Wrapf(err, "failed to dial %v", c.address())
	}
	tlsConn := tls.Client(nc, c.tlsConfig())
	if err = tlsConn.HandshakeContext(ctx); err != nil {
		_ = nc.Close() //nolint:errcheck // The dial failed wholesale.

		return errors.Wrapf(err, "tls handshake with %v failed", c.address())
	}
	if proto := tlsConn.ConnectionState().NegotiatedProtocol; !internal.AllowedProtocol(proto) {
		_ = tlsConn.Close() //nolint:errcheck // Unusable socket.

		return errors.Errorf("peer does not speak http/2, negotiated %q", proto)
	}
	log.Debug(fmt.Sprintf("connected to %v over http/2", c.address()))
	c.SetConn(tlsConn)

	return c.WritePreamble()
}

//nolint:funlen // Sequential pseudo-header layout, it is better to keep it together.
func (c *conn) encodeHeaders(method, target string, headers http.Header, contentLength int64) ([]byte, error) {
	path := target
	authority := headers.Get("Host")
	if strings.Contains(target, "://") {
		uri, err := url.ParseRequestURI(target)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid request target %q", target)
		}
		path = uri.RequestURI()
		if authority == "" {
			authority = uri.Host
		}
	}
	if authority == "" {
		authority = c.authority()
	}
	c.hbuf.Reset()
	pseudo := []hpack.HeaderField{
		{Name: ":method", Value: method},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: authority},
		{Name: ":path", Value: path},
	}
	for i := range pseudo {
		if err := c.henc.WriteField(pseudo[i]); err != nil {
			return nil, errors.Wrapf(err, "failed to hpack-encode %v", pseudo[i].Name)
		}
	}
	for name, values := range headers {
		if connectionSpecificHeader(name) {
			continue
		}
		for _, value := range values {
			if err := c.henc.WriteField(hpack.HeaderField{Name: strings.ToLower(name), Value: value}); err != nil {
				return nil, errors.Wrapf(err, "failed to hpack-encode %v", name)
			}
		}
	}
	if userAgent := internal.ExtraString(c.cfg.Extra, "userAgent"); userAgent != "" && headers.Get("User-Agent") == "" {
		if err := c.henc.WriteField(hpack.HeaderField{Name: "user-agent", Value: userAgent}); err != nil {
			return nil, errors.Wrap(err, "failed to hpack-encode user-agent")
		}
	}
	if contentLength >= 0 {
		if err := c.henc.WriteField(hpack.HeaderField{Name: "content-length", Value: strconv.FormatInt(contentLength, 10)}); err != nil {
			return nil, errors.Wrap(err, "failed to hpack-encode content-length")
		}
	}

	return append([]byte{}, c.hbuf.Bytes()...), nil
}

func (c *conn) writeBody(streamID internal.StreamID, body io.Reader) error {
	chunkA := make([]byte, c.peerMaxFrame)
	chunkB := make([]byte, c.peerMaxFrame)
	var pending []byte
	for {
		n, rErr := body.Read(chunkA)
		if n > 0 {
			if pending != nil {
				if err := c.writeData(streamID, false, pending); err != nil {
					return err
				}
			}
			pending = chunkA[:n]
			chunkA, chunkB = chunkB, chunkA
		}
		if rErr == io.EOF {
			return c.writeData(streamID, true, pending)
		}
		if rErr != nil {
			return errors.Wrapf(rErr, "failed to read request body for stream %v", streamID)
		}
	}
}

func (c *conn) writeData(streamID internal.StreamID, endStream bool, data []byte) error {
	// Wait for the peer to open the send window back up before exceeding it.
	for c.sendWindow < int64(len(data)) {
		if err := c.readFrame(); err != nil {
			return err
		}
	}
	c.sendWindow -= int64(len(data))
	if err := c.framer.WriteData(uint32(streamID), endStream, data); err != nil {
		return errors.Wrapf(err, "failed to write DATA on stream %v", streamID)
	}

	return nil
}

func (c *conn) readFrame() error {
	if c.framer == nil {
		return ErrNoSocket
	}
	frame, err := c.framer.ReadFrame()
	if err != nil {
		return errors.Wrap(err, "failed to read frame")
	}

	return c.handleFrame(frame)
}

//nolint:gocyclo,revive,cyclop // The frame switch is the whole point of this function.
func (c *conn) handleFrame(frame http2.Frame) error {
	switch f := frame.(type) {
	case *http2.HeadersFrame:
		return c.handleHeaders(f)
	case *http2.DataFrame:
		return c.handleData(f)
	case *http2.SettingsFrame:
		return c.handleSettings(f)
	case *http2.PushPromiseFrame:
		return c.handlePushPromise(f)
	case *http2.PingFrame:
		if f.IsAck() {
			pong := f.Data
			c.lastPong = &pong

			return nil
		}

		return errors.Wrap(c.framer.WritePing(true, f.Data), "failed to ack PING")
	case *http2.WindowUpdateFrame:
		if f.StreamID == 0 {
			c.sendWindow += int64(f.Increment)
		}

		return nil
	case *http2.RSTStreamFrame:
		if strm, found := c.streams[internal.StreamID(f.StreamID)]; found {
			strm.reset, strm.resetCode, strm.ended = true, f.ErrCode, true
		}

		return nil
	case *http2.GoAwayFrame:
		return terror.New(ErrGoAway, map[string]any{"code": f.ErrCode.String(), "lastStreamID": f.LastStreamID})
	default:
		return nil
	}
}

func (c *conn) handleHeaders(f *http2.HeadersFrame) error {
	block, err := c.readHeaderBlock(f.HeaderBlockFragment(), f.HeadersEnded())
	if err != nil {
		return err
	}
	fields, err := c.hdec.DecodeFull(block)
	if err != nil {
		return errors.Wrapf(err, "failed to hpack-decode HEADERS on stream %v", f.StreamID)
	}
	strm := c.streamFor(internal.StreamID(f.StreamID))
	if strm == nil {
		return nil
	}
	if strm.headers == nil {
		strm.headers = make(http.Header, len(fields))
	}
	for i := range fields {
		if fields[i].Name == ":status" {
			strm.status, _ = strconv.Atoi(fields[i].Value) //nolint:errcheck // Malformed status reads as 0.

			continue
		}
		if strings.HasPrefix(fields[i].Name, ":") {
			continue
		}
		strm.headers.Add(fields[i].Name, fields[i].Value)
	}
	strm.headersArrived = true
	if f.StreamEnded() {
		c.endStream(strm)
	}

	return nil
}

func (c *conn) handleData(f *http2.DataFrame) error {
	if increment := c.connWindow.Release(f.Length); increment > 0 {
		if err := c.framer.WriteWindowUpdate(0, increment); err != nil {
			return errors.Wrap(err, "failed to write connection WINDOW_UPDATE")
		}
	}
	strm := c.streamFor(internal.StreamID(f.StreamID))
	if strm == nil {
		return nil
	}
	strm.body.Write(f.Data())
	if f.StreamEnded() {
		c.endStream(strm)

		return nil
	}
	if increment := strm.window.Release(f.Length); increment > 0 {
		if err := c.framer.WriteWindowUpdate(f.StreamID, increment); err != nil {
			return errors.Wrapf(err, "failed to write WINDOW_UPDATE on stream %v", f.StreamID)
		}
	}

	return nil
}

func (c *conn) handleSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}
	fErr := f.ForeachSetting(func(setting http2.Setting) error {
		switch setting.ID { //nolint:exhaustive // The rest don't affect a synchronous client.
		case http2.SettingMaxFrameSize:
			c.peerMaxFrame = setting.Val
		case http2.SettingInitialWindowSize:
			c.sendWindow = int64(setting.Val)
		}

		return nil
	})
	if fErr != nil {
		return errors.Wrap(fErr, "failed to process SETTINGS")
	}

	return errors.Wrap(c.framer.WriteSettingsAck(), "failed to ack SETTINGS")
}

func (c *conn) handlePushPromise(f *http2.PushPromiseFrame) error {
	if !c.cfg.EnablePush {
		return terror.New(ErrPushDisabled, map[string]any{"promisedStreamID": f.PromiseID})
	}
	block, err := c.readHeaderBlock(f.HeaderBlockFragment(), f.HeadersEnded())
	if err != nil {
		return err
	}
	fields, err := c.hdec.DecodeFull(block)
	if err != nil {
		return errors.Wrapf(err, "failed to hpack-decode PUSH_PROMISE for stream %v", f.PromiseID)
	}
	pushedRequest := make(http.Header, len(fields))
	for i := range fields {
		pushedRequest.Add(fields[i].Name, fields[i].Value)
	}
	c.pushStreams[internal.StreamID(f.PromiseID)] = &stream{
		id:            internal.StreamID(f.PromiseID),
		pushedRequest: pushedRequest,
		window:        c.windowFor(initialWindowSize),
	}

	return nil
}

// readHeaderBlock collects CONTINUATION fragments until the block is complete.
func (c *conn) readHeaderBlock(first []byte, done bool) ([]byte, error) {
	block := first
	for !done {
		frame, err := c.framer.ReadFrame()
		if err != nil {
			return nil, errors.Wrap(err, "failed to read CONTINUATION")
		}
		continuation, ok := frame.(*http2.ContinuationFrame)
		if !ok {
			return nil, errors.Errorf("expected CONTINUATION, got %T", frame)
		}
		block = append(block, continuation.HeaderBlockFragment()...)
		done = continuation.HeadersEnded()
	}

	return block, nil
}

// Connection-specific headers have no meaning on http/2 and are dropped, the
// same way the Host header is folded into :authority.
func connectionSpecificHeader(name string) bool {
	switch strings.ToLower(name) {
	case "connection", "proxy-connection", "keep-alive", "transfer-encoding", "upgrade", "host":
		return true
	default:
		return false
	}
}

func (c *conn) streamFor(streamID internal.StreamID) *stream {
	if strm, found := c.streams[streamID]; found {
		return strm
	}
	if strm, found := c.pushStreams[streamID]; found {
		return strm
	}

	return nil
}

func (c *conn) endStream(strm *stream) {
	strm.ended = true
	if _, pushed := c.pushStreams[strm.id]; pushed {
		delete(c.pushStreams, strm.id)
		pushedResponse := &internal.Response{
			Proto:    "HTTP/2.0",
			Status:   strm.status,
			Headers:  strm.headers,
			Body:     io.NopCloser(&strm.body),
			StreamID: strm.id,
		}
		c.pushes = append(c.pushes, pushedResponse)
	}
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
	tlsCfg.NextProtos = []string{h2ALPNProtocol}
	if tlsCfg.RootCAs == nil {
		pool, err := c.cfg.Ambient.RootCAPool()
		log.Panic(err) //nolint:revive // A misconfigured trust store is not recoverable.
		tlsCfg.RootCAs = pool
	}
	tlsCfg.InsecureSkipVerify = tlsCfg.InsecureSkipVerify || c.cfg.Ambient.HTTPClient.InsecureSkipVerify

	return tlsCfg
}

func (c *conn) effectivePort() uint16 {
	if c.port != 0 {
		return c.port
	}

	return internal.DefaultSecurePort
}

func (c *conn) address() string {
	return net.JoinHostPort(c.host, strconv.Itoa(int(c.effectivePort())))
}

func (c *conn) authority() string {
	if port := c.effectivePort(); port != internal.DefaultSecurePort {
		return fmt.Sprintf("%v:%v", c.host, port)
	}

	return c.host
}
