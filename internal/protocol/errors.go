package protocol

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies failures so they survive the RPC boundary.
type ErrorKind string

const (
	KindNotFound           ErrorKind = "NotFound"
	KindInsufficientNodes  ErrorKind = "InsufficientNodes"
	KindIncompleteChunks   ErrorKind = "IncompleteChunks"
	KindIncompleteSequence ErrorKind = "IncompleteSequence"
	KindChecksumMismatch   ErrorKind = "ChecksumMismatch"
	KindChunkUnavailable   ErrorKind = "ChunkUnavailable"
	KindDiskFull           ErrorKind = "DiskFull"
	KindIOError            ErrorKind = "IOError"
	KindUploadFailed       ErrorKind = "UploadFailed"
	KindDownloadFailed     ErrorKind = "DownloadFailed"
	KindFileIncomplete     ErrorKind = "FileIncomplete"
	KindConflict           ErrorKind = "Conflict"
	KindInvalidRequest     ErrorKind = "InvalidRequest"
)

// Sentinels for errors.Is. Matching is by kind only.
var (
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrInsufficientNodes  = &Error{Kind: KindInsufficientNodes}
	ErrIncompleteChunks   = &Error{Kind: KindIncompleteChunks}
	ErrIncompleteSequence = &Error{Kind: KindIncompleteSequence}
	ErrChecksumMismatch   = &Error{Kind: KindChecksumMismatch}
	ErrChunkUnavailable   = &Error{Kind: KindChunkUnavailable}
	ErrDiskFull           = &Error{Kind: KindDiskFull}
	ErrIOError            = &Error{Kind: KindIOError}
	ErrUploadFailed       = &Error{Kind: KindUploadFailed}
	ErrDownloadFailed     = &Error{Kind: KindDownloadFailed}
	ErrFileIncomplete     = &Error{Kind: KindFileIncomplete}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrInvalidRequest     = &Error{Kind: KindInvalidRequest}
)

// Error is a classified failure. ChunkIDs and SequenceIndexes name the
// affected chunks where the kind calls for it.
type Error struct {
	Kind            ErrorKind
	Message         string
	ChunkIDs        []string
	SequenceIndexes []int
	Err             error
}

// Errorf builds an Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around a cause.
func Wrap(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.ChunkIDs) > 0 {
		fmt.Fprintf(&b, " (chunks: %s)", strings.Join(e.ChunkIDs, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Response converts the error to its wire form.
func (e *Error) Response() ErrorResponse {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	return ErrorResponse{
		Error:           msg,
		Kind:            e.Kind,
		ChunkIDs:        e.ChunkIDs,
		SequenceIndexes: e.SequenceIndexes,
	}
}

// FromResponse rebuilds an Error from its wire form. status is used when the
// peer did not send a kind.
func FromResponse(resp ErrorResponse, status int) *Error {
	kind := resp.Kind
	if kind == "" {
		kind = KindFromStatus(status)
	}
	return &Error{
		Kind:            kind,
		Message:         resp.Error,
		ChunkIDs:        resp.ChunkIDs,
		SequenceIndexes: resp.SequenceIndexes,
	}
}

// StatusCode maps a kind to the HTTP status used on the wire.
func StatusCode(kind ErrorKind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindInsufficientNodes, KindChunkUnavailable:
		return http.StatusServiceUnavailable
	case KindIncompleteChunks, KindFileIncomplete, KindConflict:
		return http.StatusConflict
	case KindInvalidRequest, KindIncompleteSequence:
		return http.StatusBadRequest
	case KindDiskFull:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

// KindFromStatus is the fallback used for bodies without a kind.
func KindFromStatus(status int) ErrorKind {
	switch status {
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusServiceUnavailable:
		return KindInsufficientNodes
	case http.StatusConflict:
		return KindConflict
	case http.StatusBadRequest:
		return KindInvalidRequest
	case http.StatusInsufficientStorage:
		return KindDiskFull
	default:
		return KindIOError
	}
}
