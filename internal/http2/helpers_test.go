package http2

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	xhttp2 "golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// frameRec is a copy of a frame read by a testPeer; Framer buffers are reused
// between reads so nothing may be retained from the original frame.
type frameRec struct {
	typ       xhttp2.FrameType
	streamID  uint32
	endStream bool
	ack       bool
	data      []byte
	code      xhttp2.ErrCode
	increment uint32
	settings  map[xhttp2.SettingID]uint32
	fields    []hpack.HeaderField
}

func (f frameRec) header(name string) string {
	for _, hf := range f.fields {
		if hf.Name == name {
			return hf.Value
		}
	}
	return ""
}

// testPeer drives the other end of a Connection with a raw Framer.
type testPeer struct {
	t      *testing.T
	nc     net.Conn
	fr     *xhttp2.Framer
	dec    *hpack.Decoder
	encBuf bytes.Buffer
	enc    *hpack.Encoder
	frames chan frameRec
}

func newTestPeer(t *testing.T, nc net.Conn) *testPeer {
	t.Helper()
	p := &testPeer{
		t:      t,
		nc:     nc,
		fr:     xhttp2.NewFramer(nc, nc),
		dec:    hpack.NewDecoder(4096, nil),
		frames: make(chan frameRec, 64),
	}
	p.enc = hpack.NewEncoder(&p.encBuf)
	go p.readLoop()
	t.Cleanup(func() { _ = nc.Close() })
	return p
}

func (p *testPeer) readLoop() {
	defer close(p.frames)
	for {
		f, err := p.fr.ReadFrame()
		if err != nil {
			return
		}
		rec := frameRec{typ: f.Header().Type, streamID: f.Header().StreamID}
		switch f := f.(type) {
		case *xhttp2.SettingsFrame:
			rec.ack = f.IsAck()
			rec.settings = make(map[xhttp2.SettingID]uint32)
			_ = f.ForeachSetting(func(s xhttp2.Setting) error {
				rec.settings[s.ID] = s.Val
				return nil
			})
		case *xhttp2.HeadersFrame:
			rec.endStream = f.StreamEnded()
			fields, err := p.dec.DecodeFull(f.HeaderBlockFragment())
			if err != nil {
				p.t.Errorf("peer: decode headers: %v", err)
				return
			}
			rec.fields = fields
		case *xhttp2.DataFrame:
			rec.endStream = f.StreamEnded()
			rec.data = append([]byte(nil), f.Data()...)
		case *xhttp2.RSTStreamFrame:
			rec.code = f.ErrCode
		case *xhttp2.GoAwayFrame:
			rec.code = f.ErrCode
		case *xhttp2.WindowUpdateFrame:
			rec.increment = f.Increment
		case *xhttp2.PingFrame:
			rec.ack = f.IsAck()
			rec.data = append([]byte(nil), f.Data[:]...)
		}
		p.frames <- rec
	}
}

// expect returns the next frame of type typ, skipping others.
func (p *testPeer) expect(typ xhttp2.FrameType) frameRec {
	p.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-p.frames:
			if !ok {
				p.t.Fatalf("connection closed while waiting for %s", typ)
			}
			if f.typ == typ {
				return f
			}
		case <-timeout:
			p.t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

// expectSettings returns the next non-ACK SETTINGS frame.
func (p *testPeer) expectSettings() frameRec {
	p.t.Helper()
	for {
		f := p.expect(xhttp2.FrameSettings)
		if !f.ack {
			return f
		}
	}
}

// clientHandshake writes the client preface and an empty SETTINGS frame.
func (p *testPeer) clientHandshake() {
	p.t.Helper()
	_, err := p.nc.Write([]byte(xhttp2.ClientPreface))
	require.NoError(p.t, err)
	require.NoError(p.t, p.fr.WriteSettings())
}

func (p *testPeer) writeHeaders(streamID uint32, endStream bool, fields ...hpack.HeaderField) {
	p.t.Helper()
	p.encBuf.Reset()
	for _, f := range fields {
		require.NoError(p.t, p.enc.WriteField(f))
	}
	require.NoError(p.t, p.fr.WriteHeaders(xhttp2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: append([]byte(nil), p.encBuf.Bytes()...),
		EndStream:     endStream,
		EndHeaders:    true,
	}))
}

func extendedConnectFields(path string) []hpack.HeaderField {
	return []hpack.HeaderField{
		{Name: ":method", Value: "CONNECT"},
		{Name: ":protocol", Value: "websocket"},
		{Name: ":scheme", Value: "http"},
		{Name: ":authority", Value: "localhost"},
		{Name: ":path", Value: path},
		{Name: "sec-websocket-version", Value: "13"},
	}
}
