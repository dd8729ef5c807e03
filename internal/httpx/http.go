// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package httpx provides composable HTTP client wrappers.
package httpx

import (
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// BasicClient is a simpler http.Client that only requires a Do method.
type BasicClient interface {
	Do(*http.Request) (*http.Response, error)
}

var _ BasicClient = http.DefaultClient

// WithUserAgent is a basic HTTP client that adds a User-Agent header.
type WithUserAgent struct {
	BasicClient
	UserAgent string
}

// Do adds the User-Agent header and sends the request.
func (c *WithUserAgent) Do(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", c.UserAgent)
	return c.BasicClient.Do(req)
}

var _ BasicClient = &WithUserAgent{}

// RetryClient retries transient failures with a fixed delay between attempts.
// Responses with status 5xx and 429 are treated as transient, as is any
// net.Error from the underlying client (timeouts, connection resets, and
// other transport failures).
type RetryClient struct {
	BasicClient
	// Attempts is the total number of tries, including the first. Zero means 4
	// (one try plus three retries).
	Attempts int
	// Delay is the fixed pause between tries. Zero means 5s.
	Delay time.Duration
	// Sleep overrides time.Sleep, for tests.
	Sleep func(time.Duration)
}

func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func transientError(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr)
}

// Do sends the request, retrying transient failures.
func (c *RetryClient) Do(req *http.Request) (*http.Response, error) {
	attempts := c.Attempts
	if attempts == 0 {
		attempts = 4
	}
	delay := c.Delay
	if delay == 0 {
		delay = 5 * time.Second
	}
	sleep := c.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	var resp *http.Response
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			sleep(delay)
		}
		resp, err = c.BasicClient.Do(req)
		if err != nil {
			if transientError(err) && req.Context().Err() == nil {
				continue
			}
			return nil, err
		}
		if transientStatus(resp.StatusCode) {
			resp.Body.Close()
			err = errors.Errorf("transient server error: %v", resp.Status)
			continue
		}
		return resp, nil
	}
	return nil, errors.Wrap(err, "retries exhausted")
}

var _ BasicClient = &RetryClient{}
