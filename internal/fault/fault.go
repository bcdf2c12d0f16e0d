// Copyright Project Relay Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fault defines the error taxonomy shared by every transport:
// stable string codes, their HTTP-analog statuses, retryability, and
// the gRPC and WebSocket close code analogs.
package fault

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// Code is a stable, transport-independent error code.
type Code string

const (
	InvalidArgument      Code = "INVALID_ARGUMENT"
	ValidationError      Code = "VALIDATION_ERROR"
	InvalidType          Code = "INVALID_TYPE"
	InvalidEnvelope      Code = "INVALID_ENVELOPE"
	Unauthenticated      Code = "UNAUTHENTICATED"
	PermissionDenied     Code = "PERMISSION_DENIED"
	NotFound             Code = "NOT_FOUND"
	AlreadyExists        Code = "ALREADY_EXISTS"
	FailedPrecondition   Code = "FAILED_PRECONDITION"
	DeadlineExceeded     Code = "DEADLINE_EXCEEDED"
	UnprocessableEntity  Code = "UNPROCESSABLE_ENTITY"
	RateLimited          Code = "RATE_LIMITED"
	ResourceExhausted    Code = "RESOURCE_EXHAUSTED"
	Cancelled            Code = "CANCELLED"
	Internal             Code = "INTERNAL_ERROR"
	DataLoss             Code = "DATA_LOSS"
	StreamError          Code = "STREAM_ERROR"
	Unknown              Code = "UNKNOWN"
	Unimplemented        Code = "UNIMPLEMENTED"
	BadGateway           Code = "BAD_GATEWAY"
	Unavailable          Code = "UNAVAILABLE"
	GatewayTimeout       Code = "GATEWAY_TIMEOUT"
	CallingDepthExceeded Code = "CALLING_DEPTH_EXCEEDED"
	BulkheadOverflow     Code = "BULKHEAD_OVERFLOW"
	BulkheadQueueTimeout Code = "BULKHEAD_QUEUE_TIMEOUT"
)

// statuses maps each code to its HTTP-analog status. Codes absent from
// the map are treated as Unknown.
var statuses = map[Code]int{
	InvalidArgument:      400,
	ValidationError:      400,
	InvalidType:          400,
	InvalidEnvelope:      400,
	Unauthenticated:      401,
	PermissionDenied:     403,
	NotFound:             404,
	AlreadyExists:        409,
	FailedPrecondition:   412,
	DeadlineExceeded:     408,
	UnprocessableEntity:  422,
	RateLimited:          429,
	ResourceExhausted:    429,
	Cancelled:            499,
	Internal:             500,
	DataLoss:             500,
	StreamError:          500,
	Unknown:              500,
	Unimplemented:        501,
	BadGateway:           502,
	Unavailable:          503,
	GatewayTimeout:       504,
	CallingDepthExceeded: 500,
	BulkheadOverflow:     503,
	BulkheadQueueTimeout: 503,
}

var retryable = map[Code]bool{
	Unavailable:       true,
	ResourceExhausted: true,
	DeadlineExceeded:  true,
	RateLimited:       true,
	BadGateway:        true,
	GatewayTimeout:    true,
	Internal:          true,
	Unknown:           true,
	StreamError:       true,
}

var grpcCodes = map[Code]codes.Code{
	InvalidArgument:      codes.InvalidArgument,
	ValidationError:      codes.InvalidArgument,
	InvalidType:          codes.InvalidArgument,
	InvalidEnvelope:      codes.InvalidArgument,
	Unauthenticated:      codes.Unauthenticated,
	PermissionDenied:     codes.PermissionDenied,
	NotFound:             codes.NotFound,
	AlreadyExists:        codes.AlreadyExists,
	FailedPrecondition:   codes.FailedPrecondition,
	DeadlineExceeded:     codes.DeadlineExceeded,
	UnprocessableEntity:  codes.InvalidArgument,
	RateLimited:          codes.ResourceExhausted,
	ResourceExhausted:    codes.ResourceExhausted,
	Cancelled:            codes.Canceled,
	Internal:             codes.Internal,
	DataLoss:             codes.DataLoss,
	StreamError:          codes.Internal,
	Unknown:              codes.Unknown,
	Unimplemented:        codes.Unimplemented,
	BadGateway:           codes.Unavailable,
	Unavailable:          codes.Unavailable,
	GatewayTimeout:       codes.DeadlineExceeded,
	CallingDepthExceeded: codes.Internal,
	BulkheadOverflow:     codes.Unavailable,
	BulkheadQueueTimeout: codes.Unavailable,
}

// Status returns the HTTP-analog status for c.
func (c Code) Status() int {
	if s, ok := statuses[c]; ok {
		return s
	}
	return statuses[Unknown]
}

// ClientFault reports whether c is the caller's fault (4xx analog).
func (c Code) ClientFault() bool {
	s := c.Status()
	return s >= 400 && s < 500
}

// Retryable reports whether a request failing with c may be retried.
func (c Code) Retryable() bool { return retryable[c] }

// GRPCCode returns the closest gRPC status code analog for c.
func (c Code) GRPCCode() codes.Code {
	if g, ok := grpcCodes[c]; ok {
		return g
	}
	return codes.Unknown
}

// CloseCode returns the 4000-range WebSocket close code analog for c,
// e.g. VALIDATION_ERROR maps to 4400 and NOT_FOUND to 4404.
func (c Code) CloseCode() int { return 4000 + c.Status() }

// Error is the user-visible failure record. It carries a stable code,
// a message, and optional structured details. Internal stack traces
// never cross the wire.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New returns an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf returns an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details any) *Error {
	return &Error{Code: e.Code, Message: e.Message, Details: details}
}

// Convert coerces err into an *Error. A wrapped *Error is returned
// unchanged; context cancellation and deadline errors map to their
// codes; anything else becomes INTERNAL_ERROR with the original
// message.
func Convert(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	switch {
	case errors.Is(err, context.Canceled):
		return New(Cancelled, "request cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		return New(DeadlineExceeded, "deadline exceeded")
	}
	return New(Internal, err.Error())
}
