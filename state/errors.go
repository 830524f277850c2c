package state

import "errors"

// ErrSessionExists is returned when an active session already exists for the
// same config fingerprint and target.
var ErrSessionExists = errors.New("state: active session already exists for target")

// ErrSessionNotFound is returned when an operation references a session that
// does not exist.
var ErrSessionNotFound = errors.New("state: session not found")

// ErrPostNotFound is returned when an operation references a post that does
// not exist.
var ErrPostNotFound = errors.New("state: post not found")

// ErrDownloadNotFound is returned when an operation references a download
// that does not exist.
var ErrDownloadNotFound = errors.New("state: download not found")

// ErrMissingPostID is returned when a post payload lacks the required
// "id" field.
var ErrMissingPostID = errors.New("state: post payload must include an 'id' field")
