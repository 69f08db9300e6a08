package streamhttp

import (
	"net/http"
	"sync"
	"testing"

	"github.com/linkdata/streamhttp/ringbuf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const leaktestEnabled = true

const testPeerName = "peer"

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.StreamsCapacity = 64 * 1024
	cfg.ThrottleCapacity = 4096
	cfg.IdleMaxSpins = 1
	cfg.IdleMaxYields = 1
	return cfg
}

type testStats struct {
	mu           sync.Mutex
	bytesRead    int64
	bytesWritten int64
	exchanges    int
	rejected     map[string]int
	faults       int
}

func (ts *testStats) AddBytesWritten(n int64) {
	ts.mu.Lock()
	ts.bytesWritten += n
	ts.mu.Unlock()
}

func (ts *testStats) AddBytesRead(n int64) {
	ts.mu.Lock()
	ts.bytesRead += n
	ts.mu.Unlock()
}

func (ts *testStats) AddExchanges(delta int) {
	ts.mu.Lock()
	ts.exchanges += delta
	ts.mu.Unlock()
}

func (ts *testStats) AddRejected(reason string) {
	ts.mu.Lock()
	if ts.rejected == nil {
		ts.rejected = make(map[string]int)
	}
	ts.rejected[reason]++
	ts.mu.Unlock()
}

func (ts *testStats) AddHandlerFault() {
	ts.mu.Lock()
	ts.faults++
	ts.mu.Unlock()
}

func (ts *testStats) Rejected(reason string) int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.rejected[reason]
}

// testPeer plays the other end of a server channel pair, writing request
// frames and reading what the router answers, all on the test goroutine.
type testPeer struct {
	t      *testing.T
	cfg    Config
	dir    *ringbuf.Directory
	reg    *Registry
	stats  *testStats
	router *Router
	in     *ringbuf.Layout // requests to the server and their throttle
	out    *ringbuf.Layout // responses from the server and their throttle
	codec  *FrameCodec
	errs   []error
}

func newTestPeer(t *testing.T, cfg Config) *testPeer {
	dir := ringbuf.NewDirectory(cfg.StreamsCapacity, cfg.ThrottleCapacity)
	in, err := dir.Create(cfg.Name, testPeerName)
	require.NoError(t, err)
	out, err := dir.Create(testPeerName, TargetChannelName(cfg.Name, testPeerName))
	require.NoError(t, err)
	p := &testPeer{
		t:     t,
		cfg:   cfg,
		dir:   dir,
		reg:   NewRegistry(),
		stats: &testStats{},
		in:    in,
		out:   out,
		codec: NewFrameCodec(cfg.MaxMessageLength()),
	}
	p.router = NewRouter(cfg, &DirectoryTransport{Dir: dir, Name: cfg.Name}, p.reg, nil, p.stats, nil)
	require.NoError(t, p.router.OnReadable(testPeerName))
	return p
}

func (p *testPeer) bind(path string, h http.HandlerFunc) uint64 {
	ref, err := p.reg.Bind(path, h)
	require.NoError(p.t, err)
	return ref
}

func (p *testPeer) reader() *Reader {
	return p.router.groups[testPeerName].readers[testPeerName]
}

func (p *testPeer) send(f Frame) {
	b, err := p.codec.Encode(f)
	require.NoError(p.t, err)
	require.NoError(p.t, p.in.Streams.Write(int32(f.Type()), b))
}

func (p *testPeer) sendRaw(typeID int32, b []byte) {
	require.NoError(p.t, p.in.Streams.Write(typeID, b))
}

func (p *testPeer) begin(id, ref, corr uint64, headers ...Header) {
	ext, err := EncodeHeaders(headers)
	require.NoError(p.t, err)
	p.send(&Begin{StreamID: id, ReferenceID: ref, CorrelationID: corr, Extension: ext})
}

func (p *testPeer) grant(f Frame) {
	b, err := p.codec.Encode(f)
	require.NoError(p.t, err)
	require.NoError(p.t, p.out.Throttle.Write(int32(f.Type()), b))
}

func (p *testPeer) poll() int {
	return p.router.Poll(func(err error) { p.errs = append(p.errs, err) })
}

func cloneFrame(f Frame) Frame {
	switch f := f.(type) {
	case *Begin:
		c := *f
		c.Extension = append([]byte(nil), f.Extension...)
		return &c
	case *Data:
		c := *f
		c.Payload = append([]byte(nil), f.Payload...)
		return &c
	case *End:
		c := *f
		c.Extension = append([]byte(nil), f.Extension...)
		return &c
	case *Window:
		c := *f
		return &c
	case *Reset:
		c := *f
		return &c
	}
	return nil
}

func readFrames(t *testing.T, ring *ringbuf.Ring) (frames []Frame) {
	codec := NewFrameCodec(ring.MaxMessageLength())
	_, err := ring.Read(func(typeID int32, msg []byte) error {
		f, err := codec.Decode(typeID, msg)
		if err == nil {
			frames = append(frames, cloneFrame(f))
		}
		return err
	})
	require.NoError(t, err)
	return
}

// replies returns the frames the server wrote on the response channel.
func (p *testPeer) replies() []Frame {
	return readFrames(p.t, p.out.Streams)
}

// throttle returns the frames the server wrote back on the request channel.
func (p *testPeer) throttle() []Frame {
	return readFrames(p.t, p.in.Throttle)
}

func (p *testPeer) close() {
	assert.NoError(p.t, p.router.Close())
	assert.Empty(p.t, p.errs)
}

func headersOf(t *testing.T, f Frame) []Header {
	b, ok := f.(*Begin)
	require.True(t, ok, "%v is not a Begin", f)
	headers, err := DecodeHeaders(b.Extension)
	require.NoError(t, err)
	return headers
}

func requestHeaderList(method, path string, extra ...Header) []Header {
	return append([]Header{{Name: ":method", Value: method}, {Name: ":path", Value: path}}, extra...)
}
