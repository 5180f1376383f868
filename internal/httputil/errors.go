package httputil

import "errors"

func asStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	if se, ok := asStatusError(err); ok {
		return se.Status
	}
	return 0
}
