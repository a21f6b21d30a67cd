package model

import (
	"github.com/awcullen/opcua/ua"
	"github.com/pkg/errors"
)

// StatusOf maps an error to the status code reported to the client.
// Wrapped status codes are unwrapped, anything else is an internal error.
func StatusOf(err error) ua.StatusCode {
	if err == nil {
		return ua.Good
	}
	if code, ok := errors.Cause(err).(ua.StatusCode); ok {
		return code
	}
	return ua.BadInternalError
}
