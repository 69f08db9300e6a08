package streamhttp

import (
	"net/http"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Exchange_BeginEndResponse(t *testing.T) {
	p := newTestPeer(t, testConfig())
	defer p.close()
	called := 0
	ref := p.bind("/", func(w http.ResponseWriter, r *http.Request) {
		called++
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "/", r.URL.Path)
		assert.Equal(t, "header", r.Header.Get("Some"))
		rw := w.(*ResponseWriter)
		assert.NoError(t, rw.SendResponseHeaders(200, -1))
		assert.NoError(t, rw.EndResponse())
	})

	p.begin(1, ref, 77, requestHeaderList("GET", "/", Header{Name: "some", Value: "header"})...)
	assert.Equal(t, 1, p.poll())
	assert.Equal(t, 1, called)

	replies := p.replies()
	require.Len(t, replies, 2)
	b := replies[0].(*Begin)
	assert.Equal(t, uint64(1), b.StreamID)
	assert.Equal(t, uint64(77), b.CorrelationID)
	assert.Equal(t, []Header{{Name: ":status", Value: "200"}}, headersOf(t, b))
	assert.Equal(t, &End{StreamID: 1}, replies[1])
	assert.Empty(t, p.throttle())

	p.send(&End{StreamID: 1})
	assert.Equal(t, 1, p.poll())
	assert.Empty(t, p.replies())
	assert.Empty(t, p.throttle())
	assert.Equal(t, 0, p.reader().Streams())
	assert.Equal(t, 0, p.stats.exchanges)
}

func Test_Exchange_SendResponseHeaders_Twice(t *testing.T) {
	p := newTestPeer(t, testConfig())
	defer p.close()
	ref := p.bind("/", func(w http.ResponseWriter, r *http.Request) {
		rw := w.(*ResponseWriter)
		assert.NoError(t, rw.SendResponseHeaders(201, -1))
		err := rw.SendResponseHeaders(202, -1)
		assert.Equal(t, ErrHeadersSent, errors.Cause(err))
		w.WriteHeader(203)
		assert.Equal(t, 201, rw.Status())
	})

	p.begin(1, ref, 1, requestHeaderList("POST", "/x")...)
	p.poll()
	replies := p.replies()
	require.Len(t, replies, 1)
	assert.Equal(t, []Header{{Name: ":status", Value: "201"}}, headersOf(t, replies[0]))

	// the open response is ended by the end of the request
	p.send(&End{StreamID: 1})
	p.poll()
	assert.Equal(t, []Frame{&End{StreamID: 1}}, p.replies())
}

func Test_Exchange_EndResponse_Twice(t *testing.T) {
	p := newTestPeer(t, testConfig())
	defer p.close()
	ref := p.bind("/", func(w http.ResponseWriter, r *http.Request) {
		rw := w.(*ResponseWriter)
		assert.NoError(t, rw.EndResponse())
		assert.Equal(t, ErrResponseEnded, errors.Cause(rw.EndResponse()))
		n, err := w.Write([]byte("late"))
		assert.Equal(t, 0, n)
		assert.Equal(t, ErrResponseEnded, errors.Cause(err))
	})
	p.begin(1, ref, 1, requestHeaderList("GET", "/")...)
	p.poll()
	replies := p.replies()
	require.Len(t, replies, 2)
	assert.Equal(t, []Header{{Name: ":status", Value: "200"}}, headersOf(t, replies[0]))
	assert.Equal(t, &End{StreamID: 1}, replies[1])
}

func Test_Exchange_ContentLength(t *testing.T) {
	p := newTestPeer(t, testConfig())
	defer p.close()
	ref := p.bind("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "5")
		w.Header().Set("Content-Type", "text/plain")
		n, err := w.Write([]byte("hello world"))
		assert.Equal(t, 5, n)
		assert.Equal(t, http.ErrContentLength, err)
	})
	p.begin(1, ref, 1, requestHeaderList("GET", "/")...)
	p.poll()
	replies := p.replies()
	require.Len(t, replies, 3)
	assert.Equal(t, []Header{
		{Name: ":status", Value: "200"},
		{Name: "content-length", Value: "5"},
		{Name: "content-type", Value: "text/plain"},
	}, headersOf(t, replies[0]))
	assert.Equal(t, &Data{StreamID: 1, Payload: []byte("hello")}, replies[1])
	assert.Equal(t, &End{StreamID: 1}, replies[2])
}

func Test_Exchange_ImplicitStatus(t *testing.T) {
	p := newTestPeer(t, testConfig())
	defer p.close()
	ref := p.bind("/", func(w http.ResponseWriter, r *http.Request) {})
	p.begin(1, ref, 1, requestHeaderList("GET", "/")...)
	p.send(&End{StreamID: 1})
	assert.Equal(t, 2, p.poll())
	replies := p.replies()
	require.Len(t, replies, 2)
	assert.Equal(t, []Header{{Name: ":status", Value: "200"}}, headersOf(t, replies[0]))
	assert.Equal(t, &End{StreamID: 1}, replies[1])
}

func Test_Exchange_FlowControlViolation(t *testing.T) {
	p := newTestPeer(t, testConfig())
	defer p.close()
	ref := p.bind("/", func(w http.ResponseWriter, r *http.Request) {})

	p.begin(5, ref, 5, requestHeaderList("PUT", "/upload")...)
	p.poll()
	require.Len(t, p.replies(), 1)

	// the first window sets up the target stream and is not relayed
	p.grant(&Window{StreamID: 1, Credit: 10})
	p.poll()
	assert.Empty(t, p.throttle())
	p.grant(&Window{StreamID: 1, Credit: 50})
	p.poll()
	assert.Equal(t, []Frame{&Window{StreamID: 5, Credit: 50}}, p.throttle())

	p.send(&Data{StreamID: 5, Payload: make([]byte, 100)})
	p.poll()
	assert.Equal(t, []Frame{&Reset{StreamID: 5}}, p.throttle())
	assert.Equal(t, []Frame{&End{StreamID: 1}}, p.replies())
	assert.Equal(t, 1, p.stats.Rejected(RejectFlowControl))

	p.send(&Data{StreamID: 5, Payload: make([]byte, 30)})
	p.poll()
	assert.Equal(t, []Frame{&Window{StreamID: 5, Credit: 30}}, p.throttle())
	assert.Empty(t, p.replies())

	p.send(&End{StreamID: 5})
	p.poll()
	assert.Empty(t, p.throttle())
	assert.Equal(t, 0, p.reader().Streams())
}

func Test_Exchange_DataForwardedWithinCredit(t *testing.T) {
	p := newTestPeer(t, testConfig())
	defer p.close()
	ref := p.bind("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	p.begin(1, ref, 1, requestHeaderList("POST", "/")...)
	p.poll()
	assert.Len(t, p.replies(), 1)

	p.grant(&Window{StreamID: 1, Credit: 1000})
	p.grant(&Window{StreamID: 1, Credit: 40})
	p.poll()
	assert.Equal(t, []Frame{&Window{StreamID: 1, Credit: 40}}, p.throttle())

	p.send(&Data{StreamID: 1, Payload: []byte(strings.Repeat("a", 30))})
	p.send(&Data{StreamID: 1, Payload: []byte(strings.Repeat("b", 10))})
	p.poll()
	assert.Equal(t, []Frame{
		&Data{StreamID: 1, Payload: []byte(strings.Repeat("a", 30))},
		&Data{StreamID: 1, Payload: []byte(strings.Repeat("b", 10))},
	}, p.replies())
	assert.Empty(t, p.throttle())
	assert.Equal(t, int64(0), p.reader().streams[1].credit)

	// every later window is relayed
	p.grant(&Window{StreamID: 1, Credit: 7})
	p.grant(&Window{StreamID: 1, Credit: 8})
	p.poll()
	assert.Equal(t, []Frame{&Window{StreamID: 1, Credit: 7}, &Window{StreamID: 1, Credit: 8}}, p.throttle())

	p.send(&End{StreamID: 1})
	p.poll()
	assert.Equal(t, []Frame{&End{StreamID: 1}}, p.replies())
}

func Test_Exchange_RelayInitialWindow(t *testing.T) {
	cfg := testConfig()
	cfg.RelayInitialWindow = true
	p := newTestPeer(t, cfg)
	defer p.close()
	ref := p.bind("/", func(w http.ResponseWriter, r *http.Request) {})
	p.begin(1, ref, 1, requestHeaderList("GET", "/")...)
	p.poll()
	p.replies()

	p.grant(&Window{StreamID: 1, Credit: 10})
	p.grant(&Window{StreamID: 1, Credit: 20})
	p.grant(&Window{StreamID: 1, Credit: 30})
	p.grant(&Window{StreamID: 1, Credit: 40})
	p.poll()
	assert.Equal(t, []Frame{
		&Window{StreamID: 1, Credit: 10},
		&Window{StreamID: 1, Credit: 30},
		&Window{StreamID: 1, Credit: 40},
	}, p.throttle())
	assert.Equal(t, int64(80), p.reader().streams[1].credit)
}

func Test_Exchange_ResetFromTarget(t *testing.T) {
	p := newTestPeer(t, testConfig())
	defer p.close()
	ref := p.bind("/", func(w http.ResponseWriter, r *http.Request) {})
	p.begin(1, ref, 1, requestHeaderList("GET", "/")...)
	p.poll()
	p.replies()

	p.grant(&Window{StreamID: 1, Credit: 100})
	p.grant(&Window{StreamID: 1, Credit: 100})
	p.grant(&Reset{StreamID: 1})
	p.poll()
	assert.Equal(t, []Frame{&Window{StreamID: 1, Credit: 100}, &Reset{StreamID: 1}}, p.throttle())

	// data is still accounted for but not forwarded to the reset target
	p.send(&Data{StreamID: 1, Payload: []byte("abc")})
	p.send(&End{StreamID: 1})
	p.poll()
	assert.Empty(t, p.replies())
	assert.Empty(t, p.throttle())
	assert.Equal(t, 0, p.reader().Streams())
}

func Test_Exchange_ResetFromTargetOnce(t *testing.T) {
	p := newTestPeer(t, testConfig())
	defer p.close()
	ref := p.bind("/", func(w http.ResponseWriter, r *http.Request) {})
	p.begin(1, ref, 1, requestHeaderList("GET", "/")...)
	p.poll()
	p.replies()

	p.grant(&Reset{StreamID: 1})
	p.grant(&Reset{StreamID: 1})
	p.poll()
	assert.Equal(t, []Frame{&Reset{StreamID: 1}}, p.throttle())

	p.grant(&Reset{StreamID: 1})
	p.poll()
	assert.Empty(t, p.throttle())
}

func Test_Exchange_ResetFromSource(t *testing.T) {
	p := newTestPeer(t, testConfig())
	defer p.close()
	called := 0
	ref := p.bind("/", func(w http.ResponseWriter, r *http.Request) {
		called++
		w.WriteHeader(http.StatusAccepted)
	})
	p.begin(1, ref, 1, requestHeaderList("POST", "/")...)
	p.poll()
	require.Len(t, p.replies(), 1)
	assert.Equal(t, 1, p.stats.exchanges)

	p.send(&Reset{StreamID: 1})
	p.poll()
	assert.Equal(t, []Frame{&End{StreamID: 1}}, p.replies())
	assert.Empty(t, p.throttle())
	assert.Equal(t, 0, p.reader().Streams())
	assert.Equal(t, 0, p.stats.exchanges)
	assert.Equal(t, 0, p.stats.Rejected(RejectUnexpectedFrame))

	// the id is not served again
	p.begin(1, ref, 1, requestHeaderList("POST", "/")...)
	p.poll()
	assert.Equal(t, 1, called)
	assert.Equal(t, []Frame{&Reset{StreamID: 1}}, p.throttle())
}

func Test_Exchange_ResetAfterReject(t *testing.T) {
	p := newTestPeer(t, testConfig())
	defer p.close()
	ref := p.bind("/", func(w http.ResponseWriter, r *http.Request) {})
	p.begin(1, ref, 1, requestHeaderList("PUT", "/")...)
	p.send(&Data{StreamID: 1, Payload: []byte("x")})
	p.poll()
	assert.Equal(t, []Frame{&Reset{StreamID: 1}}, p.throttle())
	assert.Equal(t, 1, p.reader().Streams())

	p.send(&Reset{StreamID: 1})
	p.poll()
	assert.Empty(t, p.throttle())
	assert.Equal(t, 0, p.reader().Streams())
}

func Test_Exchange_BindingSegment(t *testing.T) {
	p := newTestPeer(t, testConfig())
	defer p.close()
	var paths []string
	ref := p.bind("/api", func(w http.ResponseWriter, r *http.Request) { paths = append(paths, r.URL.Path) })

	p.begin(1, ref, 1, requestHeaderList("GET", "/apix")...)
	p.begin(2, ref, 2, requestHeaderList("GET", "/api/x")...)
	p.begin(3, ref, 3, requestHeaderList("GET", "/api")...)
	p.poll()
	assert.Equal(t, []string{"/api/x", "/api"}, paths)
	assert.Equal(t, []Frame{&Reset{StreamID: 1}}, p.throttle())
	assert.Equal(t, 1, p.stats.Rejected(RejectBadRequest))
}

func Test_Exchange_UnknownReference(t *testing.T) {
	p := newTestPeer(t, testConfig())
	defer p.close()
	p.begin(3, 999, 3, requestHeaderList("GET", "/")...)
	p.poll()
	assert.Equal(t, []Frame{&Reset{StreamID: 3}}, p.throttle())
	assert.Empty(t, p.replies())
	assert.Equal(t, 1, p.stats.Rejected(RejectUnknownReference))

	for i := 0; i < 3; i++ {
		p.send(&Data{StreamID: 3, Payload: []byte("drain")})
	}
	p.poll()
	assert.Equal(t, []Frame{
		&Window{StreamID: 3, Credit: 5},
		&Window{StreamID: 3, Credit: 5},
		&Window{StreamID: 3, Credit: 5},
	}, p.throttle())
	assert.Equal(t, 1, p.reader().Streams())

	p.send(&End{StreamID: 3})
	p.poll()
	assert.Empty(t, p.throttle())
	assert.Equal(t, 0, p.reader().Streams())
}

func Test_Exchange_RemovedIDNotRecreated(t *testing.T) {
	p := newTestPeer(t, testConfig())
	defer p.close()
	called := 0
	ref := p.bind("/", func(w http.ResponseWriter, r *http.Request) { called++ })
	p.begin(1, ref, 1, requestHeaderList("GET", "/")...)
	p.send(&End{StreamID: 1})
	p.poll()
	assert.Equal(t, 1, called)
	assert.Len(t, p.replies(), 2)

	p.begin(1, ref, 1, requestHeaderList("GET", "/")...)
	p.send(&Data{StreamID: 1, Payload: []byte("x")})
	p.poll()
	assert.Equal(t, 1, called)
	assert.Empty(t, p.replies())
	assert.Equal(t, []Frame{&Reset{StreamID: 1}, &Window{StreamID: 1, Credit: 1}}, p.throttle())

	p.send(&End{StreamID: 1})
	p.poll()
	assert.Equal(t, 0, p.reader().Streams())

	p.begin(2, ref, 2, requestHeaderList("GET", "/")...)
	p.poll()
	assert.Equal(t, 2, called)
}

func Test_Exchange_BadRequest(t *testing.T) {
	p := newTestPeer(t, testConfig())
	defer p.close()
	called := 0
	ref := p.bind("/api/", func(w http.ResponseWriter, r *http.Request) { called++ })

	p.send(&Begin{StreamID: 1, ReferenceID: ref})
	p.begin(2, ref, 2, Header{Name: ":method", Value: "GET"})
	p.begin(3, ref, 3, requestHeaderList("GET", "/other")...)
	p.begin(4, ref, 4, requestHeaderList("GET", "/api/x", Header{Name: ":bogus", Value: "1"})...)
	p.send(&Begin{StreamID: 5, ReferenceID: ref, Extension: []byte{0xff, 0x00}})
	p.poll()
	assert.Equal(t, 0, called)
	assert.Equal(t, []Frame{
		&Reset{StreamID: 1},
		&Reset{StreamID: 2},
		&Reset{StreamID: 3},
		&Reset{StreamID: 4},
		&Reset{StreamID: 5},
	}, p.throttle())
	assert.Equal(t, 5, p.stats.Rejected(RejectBadRequest))
	assert.Empty(t, p.replies())
}

func Test_Exchange_UnexpectedFrame(t *testing.T) {
	p := newTestPeer(t, testConfig())
	defer p.close()
	ref := p.bind("/", func(w http.ResponseWriter, r *http.Request) {})
	p.begin(1, ref, 1, requestHeaderList("GET", "/")...)
	p.poll()
	p.replies()

	p.begin(1, ref, 1, requestHeaderList("GET", "/")...)
	p.poll()
	assert.Equal(t, []Frame{&Reset{StreamID: 1}}, p.throttle())
	assert.Equal(t, []Frame{&End{StreamID: 1}}, p.replies())
	assert.Equal(t, 1, p.stats.Rejected(RejectUnexpectedFrame))
}

func Test_Exchange_HandlerPanic(t *testing.T) {
	p := newTestPeer(t, testConfig())
	defer p.close()
	ref := p.bind("/", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	p.begin(1, ref, 1, requestHeaderList("GET", "/")...)
	p.poll()
	assert.Empty(t, p.replies())
	assert.Empty(t, p.throttle())
	assert.Equal(t, 1, p.stats.faults)

	p.send(&End{StreamID: 1})
	p.poll()
	assert.Empty(t, p.replies())
	assert.Equal(t, []Frame{&Reset{StreamID: 1}}, p.throttle())
	assert.Equal(t, 0, p.stats.exchanges)
}

func Test_Exchange_RequestContext(t *testing.T) {
	p := newTestPeer(t, testConfig())
	defer p.close()
	var ref uint64
	ref = p.bind("/ctx", func(w http.ResponseWriter, r *http.Request) {
		b, ok := BindingFromContext(r.Context())
		assert.True(t, ok)
		assert.Equal(t, ref, b.Ref)
		assert.Equal(t, "/ctx", b.Path)
		si, ok := StreamFromContext(r.Context())
		assert.True(t, ok)
		assert.Equal(t, StreamInfo{Source: testPeerName, SourceID: 9, TargetID: 1, CorrelationID: 42}, si)
		assert.Equal(t, "example.com", r.Host)
		assert.Equal(t, "q=1", r.URL.RawQuery)
	})
	p.begin(9, ref, 42, requestHeaderList("GET", "/ctx?q=1", Header{Name: ":authority", Value: "example.com"})...)
	p.poll()
	assert.Len(t, p.replies(), 1)
}

func Test_Exchange_ReleasedOnClose(t *testing.T) {
	p := newTestPeer(t, testConfig())
	ref := p.bind("/", func(w http.ResponseWriter, r *http.Request) {})
	p.begin(1, ref, 1, requestHeaderList("GET", "/")...)
	p.poll()
	p.replies()
	assert.Equal(t, 1, p.stats.exchanges)
	w := p.router.groups[testPeerName].writers[testPeerName]
	assert.Equal(t, 1, w.Throttles())
	p.close()
	assert.Equal(t, 0, p.stats.exchanges)
	assert.Equal(t, 0, w.Throttles())
	assert.Equal(t, []Frame{&End{StreamID: 1}}, p.replies())
}
