// SPDX-License-Identifier: ice License 1.0

package http20_test

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	stdlibtime "time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/ice-blockchain/hyper/httpclient/internal"
	"github.com/ice-blockchain/hyper/httpclient/internal/http20"
)

// scriptedPeer plays the server side of an http/2 connection over net.Pipe,
// frame by frame. Every write here unblocks exactly one read on the client
// side and vice versa, which keeps the scripts deterministic.
type scriptedPeer struct {
	t      *testing.T
	conn   net.Conn
	framer *http2.Framer
	henc   *hpack.Encoder
	hdec   *hpack.Decoder
	hbuf   bytes.Buffer
}

func newScriptedPeer(t *testing.T, conn net.Conn) *scriptedPeer {
	t.Helper()
	peer := &scriptedPeer{t: t, conn: conn, framer: http2.NewFramer(conn, bufio.NewReader(conn))}
	peer.henc = hpack.NewEncoder(&peer.hbuf)
	peer.hdec = hpack.NewDecoder(4096, nil) //nolint:mnd,gomnd // Default header table size.

	return peer
}

func newUpgradedTransport(t *testing.T, cfg *internal.HTTP20Config) (internal.Upgradable, *scriptedPeer) {
	t.Helper()
	clientEnd, serverEnd := net.Pipe()
	t.Cleanup(func() {
		_ = clientEnd.Close() //nolint:errcheck // Best effort.
		_ = serverEnd.Close() //nolint:errcheck // Best effort.
	})
	transport := http20.New("example.org", 0, cfg)
	transport.SetConn(clientEnd)

	return transport, newScriptedPeer(t, serverEnd)
}

func (p *scriptedPeer) expectPreface() {
	buf := make([]byte, len(http2.ClientPreface))
	_, err := io.ReadFull(p.conn, buf)
	require.NoError(p.t, err)
	require.Equal(p.t, http2.ClientPreface, string(buf))
}

func (p *scriptedPeer) readFrame() http2.Frame {
	frame, err := p.framer.ReadFrame()
	require.NoError(p.t, err)

	return frame
}

func (p *scriptedPeer) decodeFields(block []byte) map[string]string {
	fields, err := p.hdec.DecodeFull(block)
	require.NoError(p.t, err)
	decoded := make(map[string]string, len(fields))
	for i := range fields {
		decoded[fields[i].Name] = fields[i].Value
	}

	return decoded
}

func (p *scriptedPeer) headerBlock(fields ...hpack.HeaderField) []byte {
	p.hbuf.Reset()
	for i := range fields {
		require.NoError(p.t, p.henc.WriteField(fields[i]))
	}

	return append([]byte{}, p.hbuf.Bytes()...)
}

func TestRequestResponseRoundTrip(t *testing.T) { //nolint:funlen // Frame script.
	t.Parallel()
	transport, peer := newUpgradedTransport(t, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		peer.expectPreface()
		clientSettings, ok := peer.readFrame().(*http2.SettingsFrame)
		require.True(peer.t, ok)
		enablePush, found := clientSettings.Value(http2.SettingEnablePush)
		require.True(peer.t, found)
		assert.Zero(peer.t, enablePush)
		headersFrame, ok := peer.readFrame().(*http2.HeadersFrame)
		require.True(peer.t, ok)
		assert.EqualValues(peer.t, 1, headersFrame.StreamID)
		assert.True(peer.t, headersFrame.StreamEnded())
		fields := peer.decodeFields(headersFrame.HeaderBlockFragment())
		assert.Equal(peer.t, "GET", fields[":method"])
		assert.Equal(peer.t, "https", fields[":scheme"])
		assert.Equal(peer.t, "example.org", fields[":authority"])
		assert.Equal(peer.t, "/info", fields[":path"])
		assert.Equal(peer.t, "1", fields["x-test"])
		assert.NotContains(peer.t, fields, "connection")
		require.NoError(peer.t, peer.framer.WriteSettings())
		settingsAck, ok := peer.readFrame().(*http2.SettingsFrame)
		require.True(peer.t, ok)
		assert.True(peer.t, settingsAck.IsAck())
		require.NoError(peer.t, peer.framer.WriteHeaders(http2.HeadersFrameParam{
			StreamID: 1,
			BlockFragment: peer.headerBlock(
				hpack.HeaderField{Name: ":status", Value: "200"},
				hpack.HeaderField{Name: "content-type", Value: "text/plain"},
			),
			EndHeaders: true,
		}))
		require.NoError(peer.t, peer.framer.WriteData(1, true, []byte("hello")))
	}()
	require.NoError(t, transport.WritePreamble())

	streamID, err := transport.Request("GET", "/info", nil, http.Header{
		"X-Test":     {"1"},
		"Connection": {"keep-alive"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, streamID)
	resp, err := transport.Response(streamID)
	require.NoError(t, err)
	assert.Equal(t, "HTTP/2.0", resp.Proto)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "text/plain", resp.Headers.Get("Content-Type"))
	assert.Equal(t, streamID, resp.StreamID)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	<-done

	_, err = transport.Response(streamID)
	require.ErrorIs(t, err, http20.ErrUnknownStream)
}

func TestRequestBodyFraming(t *testing.T) {
	t.Parallel()
	transport, peer := newUpgradedTransport(t, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		peer.expectPreface()
		peer.readFrame()
		headersFrame, ok := peer.readFrame().(*http2.HeadersFrame)
		require.True(peer.t, ok)
		assert.False(peer.t, headersFrame.StreamEnded())
		fields := peer.decodeFields(headersFrame.HeaderBlockFragment())
		assert.Equal(peer.t, "POST", fields[":method"])
		assert.Equal(peer.t, "/echo?x=1", fields[":path"])
		assert.Equal(peer.t, "example.org", fields[":authority"])
		assert.Equal(peer.t, "3", fields["content-length"])
		dataFrame, ok := peer.readFrame().(*http2.DataFrame)
		require.True(peer.t, ok)
		assert.Equal(peer.t, "abc", string(dataFrame.Data()))
		assert.True(peer.t, dataFrame.StreamEnded())
		require.NoError(peer.t, peer.framer.WriteHeaders(http2.HeadersFrameParam{
			StreamID:      1,
			BlockFragment: peer.headerBlock(hpack.HeaderField{Name: ":status", Value: "204"}),
			EndHeaders:    true,
			EndStream:     true,
		}))
	}()
	require.NoError(t, transport.WritePreamble())

	streamID, err := transport.Request("POST", "https://example.org/echo?x=1", bytes.NewBufferString("abc"), nil)
	require.NoError(t, err)
	resp, err := transport.Response(streamID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.Status)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Empty(t, body)
	<-done
}

func TestPingRoundTrip(t *testing.T) {
	t.Parallel()
	transport, peer := newUpgradedTransport(t, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		peer.expectPreface()
		peer.readFrame()
		pingFrame, ok := peer.readFrame().(*http2.PingFrame)
		require.True(peer.t, ok)
		assert.False(peer.t, pingFrame.IsAck())
		require.NoError(peer.t, peer.framer.WritePing(true, pingFrame.Data))
	}()
	require.NoError(t, transport.WritePreamble())

	pinger, ok := transport.(internal.Pinger)
	require.True(t, ok)
	ctx, cancel := context.WithTimeout(context.Background(), 5*stdlibtime.Second)
	defer cancel()
	require.NoError(t, pinger.Ping(ctx))
	<-done
}

func TestStreamReset(t *testing.T) {
	t.Parallel()
	transport, peer := newUpgradedTransport(t, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		peer.expectPreface()
		peer.readFrame()
		peer.readFrame()
		require.NoError(peer.t, peer.framer.WriteRSTStream(1, http2.ErrCodeCancel))
	}()
	require.NoError(t, transport.WritePreamble())

	streamID, err := transport.Request("GET", "/reset", nil, nil)
	require.NoError(t, err)
	_, err = transport.Response(streamID)
	require.ErrorIs(t, err, http20.ErrStreamReset)
	<-done
}

func TestGoAwayAbortsResponse(t *testing.T) {
	t.Parallel()
	transport, peer := newUpgradedTransport(t, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		peer.expectPreface()
		peer.readFrame()
		peer.readFrame()
		require.NoError(peer.t, peer.framer.WriteGoAway(0, http2.ErrCodeProtocol, nil))
	}()
	require.NoError(t, transport.WritePreamble())

	streamID, err := transport.Request("GET", "/goaway", nil, nil)
	require.NoError(t, err)
	_, err = transport.Response(streamID)
	require.ErrorIs(t, err, http20.ErrGoAway)
	<-done
}

func TestWindowUpdateReplenishment(t *testing.T) {
	t.Parallel()
	transport, peer := newUpgradedTransport(t, nil)
	const frameSize = 16384
	done := make(chan struct{})
	go func() {
		defer close(done)
		peer.expectPreface()
		peer.readFrame()
		peer.readFrame()
		require.NoError(peer.t, peer.framer.WriteHeaders(http2.HeadersFrameParam{
			StreamID:      1,
			BlockFragment: peer.headerBlock(hpack.HeaderField{Name: ":status", Value: "200"}),
			EndHeaders:    true,
		}))
		chunk := bytes.Repeat([]byte("x"), frameSize)
		for range 3 {
			require.NoError(peer.t, peer.framer.WriteData(1, false, chunk))
		}
		connUpdate, ok := peer.readFrame().(*http2.WindowUpdateFrame)
		require.True(peer.t, ok)
		assert.Zero(peer.t, connUpdate.StreamID)
		assert.EqualValues(peer.t, 3*frameSize, connUpdate.Increment)
		streamUpdate, ok := peer.readFrame().(*http2.WindowUpdateFrame)
		require.True(peer.t, ok)
		assert.EqualValues(peer.t, 1, streamUpdate.StreamID)
		assert.EqualValues(peer.t, 3*frameSize, streamUpdate.Increment)
		require.NoError(peer.t, peer.framer.WriteData(1, true, []byte("tail")))
	}()
	require.NoError(t, transport.WritePreamble())

	streamID, err := transport.Request("GET", "/big", nil, nil)
	require.NoError(t, err)
	resp, err := transport.Response(streamID)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Len(t, body, 3*frameSize+len("tail"))
	<-done
}

func TestServerPushAccumulation(t *testing.T) { //nolint:funlen // Frame script.
	t.Parallel()
	transport, peer := newUpgradedTransport(t, &internal.HTTP20Config{EnablePush: true})
	done := make(chan struct{})
	go func() {
		defer close(done)
		peer.expectPreface()
		clientSettings, ok := peer.readFrame().(*http2.SettingsFrame)
		require.True(peer.t, ok)
		enablePush, found := clientSettings.Value(http2.SettingEnablePush)
		require.True(peer.t, found)
		assert.EqualValues(peer.t, 1, enablePush)
		peer.readFrame()
		require.NoError(peer.t, peer.framer.WritePushPromise(http2.PushPromiseParam{
			StreamID:  1,
			PromiseID: 2,
			BlockFragment: peer.headerBlock(
				hpack.HeaderField{Name: ":method", Value: "GET"},
				hpack.HeaderField{Name: ":scheme", Value: "https"},
				hpack.HeaderField{Name: ":authority", Value: "example.org"},
				hpack.HeaderField{Name: ":path", Value: "/style.css"},
			),
			EndHeaders: true,
		}))
		require.NoError(peer.t, peer.framer.WriteHeaders(http2.HeadersFrameParam{
			StreamID: 2,
			BlockFragment: peer.headerBlock(
				hpack.HeaderField{Name: ":status", Value: "200"},
				hpack.HeaderField{Name: "content-type", Value: "text/css"},
			),
			EndHeaders: true,
		}))
		require.NoError(peer.t, peer.framer.WriteData(2, true, []byte("body{}")))
		require.NoError(peer.t, peer.framer.WriteHeaders(http2.HeadersFrameParam{
			StreamID:      1,
			BlockFragment: peer.headerBlock(hpack.HeaderField{Name: ":status", Value: "200"}),
			EndHeaders:    true,
		}))
		require.NoError(peer.t, peer.framer.WriteData(1, true, []byte("<html>")))
	}()
	require.NoError(t, transport.WritePreamble())

	streamID, err := transport.Request("GET", "/page", nil, nil)
	require.NoError(t, err)
	resp, err := transport.Response(streamID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	pushReceiver, ok := transport.(internal.PushReceiver)
	require.True(t, ok)
	pushes := pushReceiver.Pushes()
	require.Len(t, pushes, 1)
	assert.EqualValues(t, 2, pushes[0].StreamID)
	assert.Equal(t, http.StatusOK, pushes[0].Status)
	assert.Equal(t, "text/css", pushes[0].Headers.Get("Content-Type"))
	pushedBody, err := io.ReadAll(pushes[0].Body)
	require.NoError(t, err)
	assert.Equal(t, "body{}", string(pushedBody))
	assert.Empty(t, pushReceiver.Pushes())
	<-done
}

func TestPushRejectedWhenDisabled(t *testing.T) {
	t.Parallel()
	transport, peer := newUpgradedTransport(t, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		peer.expectPreface()
		peer.readFrame()
		peer.readFrame()
		require.NoError(peer.t, peer.framer.WritePushPromise(http2.PushPromiseParam{
			StreamID:      1,
			PromiseID:     2,
			BlockFragment: peer.headerBlock(hpack.HeaderField{Name: ":method", Value: "GET"}),
			EndHeaders:    true,
		}))
	}()
	require.NoError(t, transport.WritePreamble())

	streamID, err := transport.Request("GET", "/page", nil, nil)
	require.NoError(t, err)
	_, err = transport.Response(streamID)
	require.ErrorIs(t, err, http20.ErrPushDisabled)
	<-done
}

func TestWritePreambleRequiresSocket(t *testing.T) {
	t.Parallel()
	transport := http20.New("example.org", 0, nil)
	require.ErrorIs(t, transport.WritePreamble(), http20.ErrNoSocket)
}
