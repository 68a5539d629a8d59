// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package rrerr defines the error kinds surfaced by the transport. Each kind has a
// wire name, which is exchanged in "errorname" elements of StreamOpRet replies.
package rrerr

import (
	"errors"
	"strings"
)

// Kind of an Error.
type Kind uint8

const (
	// Connection errors are socket-level failures, timeouts and unknown endpoints.
	Connection Kind = iota
	// Authentication errors are rejected credentials or peer identities.
	Authentication
	// NodeNotFound is reported if a target node does not exist or refused to be addressed.
	NodeNotFound
	// InvalidArgument is reported for malformed URLs, schemes and parameters.
	InvalidArgument
	// SystemResource errors are local OS failures, e.g., bind or certificate loading.
	SystemResource
	// Protocol errors are violations of the framing or handshake contract.
	Protocol
	// Internal errors indicate a broken invariant.
	Internal
)

var kindNames = map[Kind]string{
	Connection:      "RobotRaconteur.ConnectionError",
	Authentication:  "RobotRaconteur.AuthenticationError",
	NodeNotFound:    "RobotRaconteur.NodeNotFound",
	InvalidArgument: "RobotRaconteur.InvalidArgument",
	SystemResource:  "RobotRaconteur.SystemResourceException",
	Protocol:        "RobotRaconteur.ProtocolError",
	Internal:        "RobotRaconteur.InternalError",
}

// Name returns the wire name, e.g., "RobotRaconteur.NodeNotFound".
func (k Kind) Name() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "RobotRaconteur.UnknownError"
}

func (k Kind) String() string {
	return strings.TrimPrefix(k.Name(), "RobotRaconteur.")
}

// Error is the error type of this module.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New Error of the given Kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap an error as the given Kind. An empty message inherits the cause's message.
func Wrap(kind Kind, cause error, message string) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// FromName creates an Error from a wire name and message, as received in a StreamOpRet.
// Unknown names are mapped to a Protocol error.
func FromName(name, message string) *Error {
	for k, n := range kindNames {
		if n == name {
			return New(k, message)
		}
	}
	return New(Protocol, name+": "+message)
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports a match for another *Error of the same Kind without a message, i.e., the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Cause == nil
}

// Sentinels for errors.Is.
var (
	ErrConnection      = &Error{Kind: Connection}
	ErrAuthentication  = &Error{Kind: Authentication}
	ErrNodeNotFound    = &Error{Kind: NodeNotFound}
	ErrInvalidArgument = &Error{Kind: InvalidArgument}
	ErrSystemResource  = &Error{Kind: SystemResource}
	ErrProtocol        = &Error{Kind: Protocol}
	ErrInternal        = &Error{Kind: Internal}
)

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsKind checks if err's chain contains an *Error of the given Kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
