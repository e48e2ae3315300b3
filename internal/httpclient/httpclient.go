package httpclient

import (
	"fmt"
	"net"
	"net/http"
	"time"
)

// NewTransferClient builds a client for one fetcher transfer slot: total
// timeout, a dial (connect) timeout, and a cap on redirects followed. This
// generalizes the teacher's Default()/ForStreaming() pair into the
// per-queue-type timeout categories the concurrent fetcher selects between
// (spec §4.5: timeout_seconds = MAX_TIMEOUT_SECONDS for `timedout`, else
// MIN_TIMEOUT_SECONDS).
func NewTransferClient(timeout, connectTimeout time.Duration, maxRedirects int) *http.Client {
	dialer := &net.Dialer{Timeout: connectTimeout}
	return &http.Client{
		Timeout:       timeout,
		CheckRedirect: limitRedirects(maxRedirects),
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			ResponseHeaderTimeout: timeout,
			ExpectContinueTimeout: 5 * time.Second,
			IdleConnTimeout:       30 * time.Second,
		},
	}
}

func limitRedirects(max int) func(req *http.Request, via []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= max {
			return fmt.Errorf("httpclient: stopped after %d redirects", max)
		}
		return nil
	}
}
