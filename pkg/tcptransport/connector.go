// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tcptransport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/rrtcp/rrtcp-go/pkg/rrerr"
)

// handshakeError marks a failure after the socket was connected, i.e., within the WebSocket, STARTTLS or
// CreateConnection handshake.
type handshakeError struct {
	err error
}

func (e *handshakeError) Error() string {
	return e.err.Error()
}

func (e *handshakeError) Unwrap() error {
	return e.err
}

type raceResult[T any] struct {
	value T
	err   error
}

// racingConnector launches one attempt per Candidate, each delayed by the stagger, and delivers the first success.
// Late successes are passed to discard. If all attempts fail, the most diagnostic error is reported.
type racingConnector[T any] struct {
	stagger time.Duration
	timeout time.Duration
	attempt func(context.Context, Candidate) (T, error)
	discard func(T)

	mu         sync.Mutex
	connecting bool
	launching  bool
	active     int

	errs          error
	lastErr       error
	nodeNotFound  error
	authErr       error
	serviceFailed bool

	result chan raceResult[T]
}

func newRacingConnector[T any](stagger, timeout time.Duration,
	attempt func(context.Context, Candidate) (T, error), discard func(T)) *racingConnector[T] {
	return &racingConnector[T]{
		stagger: stagger,
		timeout: timeout,
		attempt: attempt,
		discard: discard,
		result:  make(chan raceResult[T], 1),
	}
}

// run the race. It blocks until a winner is found, every attempt failed, the timeout hit or ctx was cancelled.
// Outstanding attempts are cancelled when run returns.
func (rc *racingConnector[T]) run(ctx context.Context, candidates []Candidate) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()

	rc.mu.Lock()
	rc.connecting = true
	rc.launching = true
	rc.mu.Unlock()

	go rc.launch(ctx, candidates)

	select {
	case r := <-rc.result:
		return r.value, r.err

	case <-ctx.Done():
		rc.mu.Lock()
		if !rc.connecting {
			rc.mu.Unlock()
			r := <-rc.result
			return r.value, r.err
		}
		rc.connecting = false
		err := rc.aggregate(ctx.Err())
		rc.mu.Unlock()

		var zero T
		return zero, err
	}
}

func (rc *racingConnector[T]) launch(ctx context.Context, candidates []Candidate) {
	defer func() {
		rc.mu.Lock()
		rc.launching = false
		rc.finishIfExhausted()
		rc.mu.Unlock()
	}()

	for i, candidate := range candidates {
		if i > 0 && rc.stagger > 0 {
			select {
			case <-time.After(rc.stagger):
			case <-ctx.Done():
				return
			}
		}

		rc.mu.Lock()
		if !rc.connecting {
			rc.mu.Unlock()
			return
		}
		rc.active++
		rc.mu.Unlock()

		go rc.try(ctx, candidate)
	}
}

func (rc *racingConnector[T]) try(ctx context.Context, candidate Candidate) {
	value, err := rc.attempt(ctx, candidate)

	rc.mu.Lock()
	rc.active--

	if err == nil {
		if rc.connecting {
			rc.connecting = false
			rc.mu.Unlock()

			rc.result <- raceResult[T]{value: value}
			return
		}
		rc.mu.Unlock()

		log.WithField("candidate", candidate).Debug("Discarding late connection attempt")
		rc.discard(value)
		return
	}

	log.WithFields(log.Fields{
		"candidate": candidate,
		"error":     err,
	}).Debug("Connection attempt failed")

	rc.record(err)
	rc.finishIfExhausted()
	rc.mu.Unlock()
}

// record an attempt's error; rc.mu must be held.
func (rc *racingConnector[T]) record(err error) {
	rc.errs = multierror.Append(rc.errs, err)
	rc.lastErr = err

	var hsErr *handshakeError
	if errors.As(err, &hsErr) {
		rc.serviceFailed = true
	}

	var rrErr *rrerr.Error
	if errors.As(err, &rrErr) {
		switch rrErr.Kind {
		case rrerr.NodeNotFound:
			if rc.nodeNotFound == nil {
				rc.nodeNotFound = rrErr
			}
		case rrerr.Authentication:
			if rc.authErr == nil {
				rc.authErr = rrErr
			}
		}
	}
}

// finishIfExhausted delivers the aggregated error after the last attempt failed; rc.mu must be held.
func (rc *racingConnector[T]) finishIfExhausted() {
	if !rc.connecting || rc.launching || rc.active > 0 {
		return
	}

	rc.connecting = false
	rc.result <- raceResult[T]{err: rc.aggregate(nil)}
}

// aggregate the recorded errors by their priority; rc.mu must be held.
func (rc *racingConnector[T]) aggregate(ctxErr error) error {
	if rc.errs != nil {
		log.WithError(rc.errs).Debug("All connection attempts failed")
	}

	switch {
	case rc.nodeNotFound != nil:
		return rc.nodeNotFound

	case rc.authErr != nil:
		return rc.authErr

	case ctxErr != nil:
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return rrerr.Wrap(rrerr.Connection, ctxErr, "connection timed out")
		}
		return rrerr.Wrap(rrerr.Connection, ctxErr, "connecting was cancelled")

	case rc.serviceFailed:
		return rrerr.Wrap(rrerr.Connection, rc.errs, "could not connect to service")

	case rc.lastErr != nil:
		var rrErr *rrerr.Error
		if errors.As(rc.lastErr, &rrErr) {
			return rrErr
		}
		return rrerr.Wrap(rrerr.Connection, rc.lastErr, "")

	default:
		return rrerr.New(rrerr.Connection, "no candidate to connect to")
	}
}
