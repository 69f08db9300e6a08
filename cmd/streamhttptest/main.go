// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	flagCount = flag.Int("n", 100, "number of concurrent echo requests")
	flagSize  = flag.Int("size", 8192, "echo request body size")
)

type echoTester struct {
	base     string
	client   *http.Client
	log      *zap.Logger
	failures int64
}

func (e *echoTester) fail(err error) {
	atomic.AddInt64(&e.failures, 1)
	e.log.Error("failed", zap.Error(err))
}

func (e *echoTester) do(method, path string, body []byte) (int, string, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, e.base+path, rd)
	if err != nil {
		return 0, "", err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b), err
}

func (e *echoTester) expect(method, path string, body []byte, want string) {
	code, got, err := e.do(method, path, body)
	switch {
	case err != nil:
		e.fail(errors.WithMessage(err, path))
	case code != http.StatusOK:
		e.fail(errors.Errorf("%s %s: status %d", method, path, code))
	case got != want:
		e.fail(errors.Errorf("%s %s: expected %q, got %q", method, path, want, got))
	}
}

// echo checks that the request line comes back, followed by the body.
func (e *echoTester) echo(method, path string, body []byte) {
	code, got, err := e.do(method, path, body)
	switch {
	case err != nil:
		e.fail(errors.WithMessage(err, path))
	case code != http.StatusOK:
		e.fail(errors.Errorf("%s %s: status %d", method, path, code))
	case !strings.HasPrefix(got, method+" "+path+"\n"):
		e.fail(errors.Errorf("%s %s: bad request line in %q", method, path, got))
	case !strings.HasSuffix(got, "\n\n"+string(body)):
		e.fail(errors.Errorf("%s %s: body not echoed (%d bytes back)", method, path, len(got)))
	}
}

func main() {
	flag.Parse()

	args := flag.Args()
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if len(args) < 1 {
		logger.Fatal("missing required argument: base URL of streamhttpd")
	}
	e := &echoTester{
		base:   strings.TrimSuffix(args[0], "/"),
		client: &http.Client{},
		log:    logger,
	}

	e.expect("GET", "/hello/world", nil, "hello, world\n")
	e.expect("GET", "/fast/x", nil, "fast GET /fast/x\n")
	e.echo("GET", "/echo/", nil)
	e.echo("PUT", "/echo/meh", []byte("foo\nbar"))

	lotsaFooBar := bytes.Repeat([]byte("foobar! "), *flagSize/8)
	var wg sync.WaitGroup
	for n := 0; n < *flagCount; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			e.echo("POST", fmt.Sprintf("/echo/%d", n), lotsaFooBar)
		}(n)
	}
	wg.Wait()

	if failures := atomic.LoadInt64(&e.failures); failures > 0 {
		logger.Error("done", zap.Int64("failures", failures))
		os.Exit(1)
	}
	logger.Info("done", zap.Int("requests", *flagCount+4))
}
