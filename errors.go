// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package funcserver

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedPayload is returned when a request or response body cannot be decoded.
	ErrMalformedPayload = errors.New("funcserver: malformed payload")
	// ErrFunctionNotFound is returned when a path does not resolve to a callable.
	ErrFunctionNotFound = errors.New("funcserver: function not found")
	// ErrRemoteCallFailed matches every *RemoteError.
	ErrRemoteCallFailed = errors.New("funcserver: remote call failed")
	// ErrUnknownFormat is returned by strict format lookups.
	ErrUnknownFormat = errors.New("funcserver: unknown format")
	// ErrClosed is returned by transports after Close.
	ErrClosed = errors.New("funcserver: closed")
	// ErrUnsupportedValue is returned when a value has no wire representation.
	ErrUnsupportedValue = errors.New("funcserver: unsupported value")
)

// RemoteError carries the server's diagnostic for a failed call.
type RemoteError struct {
	Path    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("remote call failed: %s", e.Message)
	}
	return fmt.Sprintf("remote call %s failed: %s", e.Path, e.Message)
}

// Is makes errors.Is(err, ErrRemoteCallFailed) hold for every RemoteError.
func (e *RemoteError) Is(target error) bool {
	return target == ErrRemoteCallFailed
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}

func notFound(path string, reason string) error {
	if reason == "" {
		return fmt.Errorf("%w: %q", ErrFunctionNotFound, path)
	}
	return fmt.Errorf("%w: %q: %s", ErrFunctionNotFound, path, reason)
}
