// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package streamhttp

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/linkdata/streamhttp/ringbuf"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultGatewayWindow is the credit a Gateway grants each response.
const DefaultGatewayWindow = 64 * 1024

// Matcher finds the Binding serving a request path.
type Matcher interface {
	Match(path string) (Binding, bool)
}

// Gateway receives incoming HTTP requests and forwards them as streams
// on its own inbound channel of a server, relaying the responses back
// to the HTTP clients.
type Gateway struct {
	Name    string        // source name of the gateway
	Server  string        // owner name of the server
	Routes  Matcher       // maps request paths to reference ids
	Window  int32         // credit granted per response
	Timeout time.Duration // maximum time to wait for a response frame, zero for none
	Logger  *zap.Logger

	dir      *ringbuf.Directory
	requests *ringbuf.Layout // server/Name
	replies  *ringbuf.Layout // Name/server#Name
	rcodec   *FrameCodec
	tcodec   *FrameCodec
	ids      IDAllocator
	mu       sync.Mutex
	pending  map[uint64]*gatewayExchange // by request stream id
	byReply  map[uint64]*gatewayExchange // by response stream id
	once     sync.Once
}

// NewGateway creates the channels between the gateway name and the server.
func NewGateway(dir *ringbuf.Directory, server, name string, routes Matcher, logger *zap.Logger) (g *Gateway, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var requests, replies *ringbuf.Layout
	if requests, err = dir.Create(server, name); err != nil {
		return
	}
	if replies, err = dir.Create(name, TargetChannelName(server, name)); err != nil {
		requests.Close()
		return
	}
	g = &Gateway{
		Name:     name,
		Server:   server,
		Routes:   routes,
		Window:   DefaultGatewayWindow,
		Logger:   logger.With(zap.String("gateway", name)),
		dir:      dir,
		requests: requests,
		replies:  replies,
		rcodec:   NewFrameCodec(replies.Streams.MaxMessageLength()),
		tcodec:   NewFrameCodec(replies.Throttle.MaxMessageLength()),
		pending:  make(map[uint64]*gatewayExchange),
		byReply:  make(map[uint64]*gatewayExchange),
	}
	return
}

type gatewayEvent struct {
	kind    FrameType
	replyID uint64
	code    int
	header  http.Header
	data    []byte
	credit  int32
}

type gatewayExchange struct {
	id     uint64
	mu     sync.Mutex
	events []gatewayEvent
	signal chan struct{}
}

func (ge *gatewayExchange) push(ev gatewayEvent) {
	ge.mu.Lock()
	ge.events = append(ge.events, ev)
	ge.mu.Unlock()
	select {
	case ge.signal <- struct{}{}:
	default:
	}
}

func (ge *gatewayExchange) take() (events []gatewayEvent) {
	ge.mu.Lock()
	events, ge.events = ge.events, nil
	ge.mu.Unlock()
	return
}

// Run polls the gateway channels until ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	idle := NewBackoffIdleStrategy(DefaultConfig(), nil)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := g.Poll()
		if err != nil {
			return err
		}
		idle.Idle(n)
	}
}

// Poll handles all pending response and throttle frames once.
// It must not be called concurrently.
func (g *Gateway) Poll() (n int, err error) {
	if n, err = g.replies.Streams.Read(g.handleReply); err == nil {
		var tn int
		tn, err = g.requests.Throttle.Read(g.handleThrottle)
		n += tn
	}
	return
}

func (g *Gateway) handleReply(typeID int32, msg []byte) error {
	f, err := g.rcodec.Decode(typeID, msg)
	if err != nil {
		return err
	}
	g.mu.Lock()
	ge := g.byReply[f.ID()]
	if b, ok := f.(*Begin); ok && ge == nil {
		if ge = g.pending[b.CorrelationID]; ge != nil {
			g.byReply[b.StreamID] = ge
		}
	}
	if _, ok := f.(*End); ok {
		delete(g.byReply, f.ID())
	}
	g.mu.Unlock()

	if ge == nil {
		if f.Type() == FrameTypeBegin {
			return g.writeReplyThrottle(g.tcodec, &Reset{StreamID: f.ID()})
		}
		return nil
	}
	switch f := f.(type) {
	case *Begin:
		ev := gatewayEvent{kind: FrameTypeBegin, replyID: f.StreamID, code: http.StatusBadGateway, header: make(http.Header)}
		headers, err := DecodeHeaders(f.Extension)
		if err != nil {
			g.Logger.Warn("bad response headers", zap.Error(err))
		}
		for _, h := range headers {
			if h.Name == statusPseudoName {
				if code, err := strconv.Atoi(h.Value); err == nil {
					ev.code = code
				}
			} else if !h.IsPseudo() {
				ev.header.Add(h.Name, h.Value)
			}
		}
		ge.push(ev)
		// the first grant sets the stream up, the second is relayed to us
		if err = g.writeReplyThrottle(g.tcodec, &Window{StreamID: f.StreamID, Credit: g.Window}); err == nil {
			err = g.writeReplyThrottle(g.tcodec, &Window{StreamID: f.StreamID, Credit: g.Window})
		}
		return err
	case *Data:
		ge.push(gatewayEvent{kind: FrameTypeData, data: append([]byte(nil), f.Payload...)})
	case *End:
		ge.push(gatewayEvent{kind: FrameTypeEnd})
	}
	return nil
}

func (g *Gateway) handleThrottle(typeID int32, msg []byte) error {
	f, err := g.rcodec.Decode(typeID, msg)
	if err != nil {
		return err
	}
	g.mu.Lock()
	ge := g.pending[f.ID()]
	g.mu.Unlock()
	if ge != nil {
		switch f := f.(type) {
		case *Window:
			ge.push(gatewayEvent{kind: FrameTypeWindow, credit: f.Credit})
		case *Reset:
			ge.push(gatewayEvent{kind: FrameTypeReset})
		}
	}
	return nil
}

func (g *Gateway) writeReplyThrottle(codec *FrameCodec, f Frame) error {
	b, err := codec.Encode(f)
	if err == nil {
		err = g.replies.Throttle.Write(int32(f.Type()), b)
	}
	return err
}

func (g *Gateway) send(codec *FrameCodec, f Frame) error {
	b, err := codec.Encode(f)
	if err == nil {
		if err = g.requests.Streams.Write(int32(f.Type()), b); errors.Cause(err) == ringbuf.ErrFull {
			err = errors.Wrap(ChannelFullError{}, g.requests.Name)
		}
	}
	return err
}

// begin registers a new request stream and writes its Begin frame.
func (g *Gateway) begin(codec *FrameCodec, ref uint64, ext []byte) (*gatewayExchange, error) {
	ge := &gatewayExchange{id: g.ids.Next(), signal: make(chan struct{}, 1)}
	g.mu.Lock()
	g.pending[ge.id] = ge
	g.mu.Unlock()
	err := g.send(codec, &Begin{StreamID: ge.id, ReferenceID: ref, CorrelationID: ge.id, Extension: ext})
	if err != nil {
		g.mu.Lock()
		delete(g.pending, ge.id)
		g.mu.Unlock()
		return nil, err
	}
	return ge, nil
}

func (g *Gateway) release(ge *gatewayExchange, replyID uint64) {
	g.mu.Lock()
	delete(g.pending, ge.id)
	if replyID != 0 {
		delete(g.byReply, replyID)
	}
	g.mu.Unlock()
}

// ServeHTTP forwards r as a request stream and relays the response.
// The request body is streamed while the response is written, so a
// response may begin before the body has been sent.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	binding, ok := g.Routes.Match(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	// ignored where unsupported, such as for HTTP/2 or test recorders
	_ = http.NewResponseController(w).EnableFullDuplex()
	codec := FrameCodecAlloc(g.requests.Streams.MaxMessageLength())
	defer FrameCodecFree(codec)

	ext, err := EncodeHeaders(requestHeaders(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ge, err := g.begin(codec, binding.Ref, ext)
	if err != nil {
		g.Logger.Warn("begin", zap.Error(err))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	var replyID uint64
	began, replyEnded := false, false
	hasBody := r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0
	sentEnd := false
	defer func() {
		if !sentEnd {
			_ = g.send(codec, &End{StreamID: ge.id})
		}
		if began && !replyEnded {
			_ = g.writeReplyThrottle(codec, &Reset{StreamID: replyID})
		}
		g.release(ge, replyID)
	}()
	if !hasBody {
		if err = g.send(codec, &End{StreamID: ge.id}); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		sentEnd = true
	}

	var timeout <-chan time.Time
	if g.Timeout > 0 {
		t := time.NewTimer(g.Timeout)
		defer t.Stop()
		timeout = t.C
	}
	credit := 0
	buf := make([]byte, codec.MaxDataPayload())
	flusher, _ := w.(http.Flusher)

	for {
		select {
		case <-ge.signal:
		case <-r.Context().Done():
			return
		case <-timeout:
			if !began {
				http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
			}
			return
		}
		for _, ev := range ge.take() {
			switch ev.kind {
			case FrameTypeBegin:
				replyID = ev.replyID
				for k, vv := range ev.header {
					w.Header()[k] = vv
				}
				w.WriteHeader(ev.code)
				began = true
			case FrameTypeData:
				if _, err = w.Write(ev.data); err != nil {
					return
				}
				if flusher != nil {
					flusher.Flush()
				}
				if err = g.writeReplyThrottle(codec, &Window{StreamID: replyID, Credit: int32(len(ev.data))}); err != nil {
					g.Logger.Warn("acknowledge", zap.Error(err))
				}
			case FrameTypeEnd:
				replyEnded = true
				return
			case FrameTypeWindow:
				credit += int(ev.credit)
				if !sentEnd {
					if credit, err = g.sendBody(codec, ge.id, r.Body, buf, credit); err != nil {
						if errors.Cause(err) == io.EOF {
							sentEnd = g.send(codec, &End{StreamID: ge.id}) == nil
							break
						}
						// a partial body must not look like a complete one
						g.Logger.Warn("request body", zap.Error(err))
						sentEnd = true
						_ = g.send(codec, &Reset{StreamID: ge.id})
						if !began {
							http.Error(w, "request body: "+err.Error(), http.StatusBadGateway)
							return
						}
						panic(http.ErrAbortHandler)
					}
				}
			case FrameTypeReset:
				if !began {
					http.Error(w, "stream reset", http.StatusBadGateway)
				}
				return
			}
		}
	}
}

// sendBody sends request body bytes within credit and returns the credit
// left. It returns io.EOF once the body is exhausted.
func (g *Gateway) sendBody(codec *FrameCodec, id uint64, body io.Reader, buf []byte, credit int) (int, error) {
	for credit > 0 {
		p := buf
		if len(p) > credit {
			p = p[:credit]
		}
		n, err := body.Read(p)
		if n > 0 {
			if serr := g.send(codec, &Data{StreamID: id, Payload: p[:n]}); serr != nil {
				return credit, serr
			}
			credit -= n
		}
		if err != nil {
			return credit, err
		}
	}
	return credit, nil
}

// Close removes the gateway channels.
func (g *Gateway) Close() (err error) {
	g.once.Do(func() {
		err = multierr.Combine(
			g.dir.Remove(g.Server, g.Name),
			g.dir.Remove(g.Name, TargetChannelName(g.Server, g.Name)),
			g.requests.Close(),
			g.replies.Close(),
		)
	})
	return
}
