package ctp

import "errors"

var (
	// ErrConnection is returned by SendRequest when all attempts (the
	// initial send plus retries) time out without a correlated response.
	ErrConnection = errors.New("ctp: connection error, no response received")

	// ErrInvalidArgument is returned by SendRequest when called with a
	// message type that is not a request type.
	ErrInvalidArgument = errors.New("ctp: invalid argument")

	// ErrWrongCluster names the condition of a frame whose cluster ID does
	// not match the runtime's own. No call returns it: the listener drops
	// such frames silently rather than surfacing them to callers.
	ErrWrongCluster = errors.New("ctp: wrong cluster id")
)
