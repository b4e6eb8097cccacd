package docdb

import (
	"errors"
	"fmt"
	"strings"

	"github.com/andreyvit/docdb/blobstore"
)

// Status is a stable numeric error code. Values follow the HTTP-derived codes
// used by CouchDB-compatible servers so they can be passed through verbatim.
type Status int

const (
	StatusOK                 Status = 200
	StatusBadRequest         Status = 400
	StatusForbidden          Status = 403
	StatusNotFound           Status = 404
	StatusConflict           Status = 409
	StatusBadEncoding        Status = 490
	StatusBadAttachment      Status = 491
	StatusAttachmentNotFound Status = 492
	StatusBadJSON            Status = 493
	StatusBadID              Status = 494
	StatusCallbackError      Status = 495
	StatusDBError            Status = 590
	StatusDBBusy             Status = 595
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBadRequest:
		return "bad request"
	case StatusForbidden:
		return "forbidden"
	case StatusNotFound:
		return "not found"
	case StatusConflict:
		return "conflict"
	case StatusBadEncoding:
		return "bad encoding"
	case StatusBadAttachment:
		return "bad attachment"
	case StatusAttachmentNotFound:
		return "attachment not found"
	case StatusBadJSON:
		return "bad JSON"
	case StatusBadID:
		return "bad document ID"
	case StatusCallbackError:
		return "callback error"
	case StatusDBError:
		return "database error"
	case StatusDBBusy:
		return "database busy"
	default:
		return fmt.Sprintf("status %d", int(s))
	}
}

// Error is returned by every public operation that fails for a reason the
// caller can act on. Match categories with errors.Is against the Err*
// sentinels or inspect Status.
type Error struct {
	Status Status
	Op     string
	DocID  string
	RevID  string
	Msg    string
	Err    error

	sentinel bool
}

var (
	ErrNotFound           = &Error{Status: StatusNotFound, sentinel: true}
	ErrConflict           = &Error{Status: StatusConflict, sentinel: true}
	ErrForbidden          = &Error{Status: StatusForbidden, sentinel: true}
	ErrBadRequest         = &Error{Status: StatusBadRequest, sentinel: true}
	ErrBadJSON            = &Error{Status: StatusBadJSON, sentinel: true}
	ErrBadID              = &Error{Status: StatusBadID, sentinel: true}
	ErrBadAttachment      = &Error{Status: StatusBadAttachment, sentinel: true}
	ErrAttachmentNotFound = &Error{Status: StatusAttachmentNotFound, sentinel: true}
	ErrDBError            = &Error{Status: StatusDBError, sentinel: true}
	ErrClosed             = errors.New("database closed")
	ErrLiveQueryStopped   = errors.New("live query stopped")
)

func newErr(status Status, op, docID, revID string, err error, format string, args ...any) *Error {
	return &Error{
		Status: status,
		Op:     op,
		DocID:  docID,
		RevID:  revID,
		Msg:    fmt.Sprintf(format, args...),
		Err:    err,
	}
}

func (e *Error) Error() string {
	if e.sentinel {
		return "docdb: " + e.Status.String()
	}
	var buf strings.Builder
	buf.WriteString("docdb: ")
	if e.Op != "" {
		buf.WriteString(e.Op)
		buf.WriteByte(' ')
	}
	if e.DocID != "" {
		buf.WriteString(e.DocID)
		if e.RevID != "" {
			buf.WriteByte('@')
			buf.WriteString(e.RevID)
		}
		buf.WriteString(": ")
	} else if e.Op != "" {
		buf.WriteString(": ")
	}
	if e.Msg != "" {
		buf.WriteString(e.Msg)
	} else {
		buf.WriteString(e.Status.String())
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	fmt.Fprintf(&buf, " (%d)", int(e.Status))
	return buf.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.sentinel && t.Status == e.Status
}

// StatusOf returns the status carried by err, StatusOK for nil and
// StatusDBError for errors that did not originate here.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	if errors.Is(err, blobstore.ErrNotFound) {
		return StatusNotFound
	}
	return StatusDBError
}

// Reject builds a validation rejection. Validation functions may return any
// error; this one reads better in rejection messages.
func Reject(format string, args ...any) error {
	return &Error{Status: StatusForbidden, Msg: fmt.Sprintf(format, args...)}
}

// wrapStorageErr tags a storage failure with StatusDBError unless it already
// carries a status.
func wrapStorageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Status: StatusDBError, Op: op, Err: err}
}

// DataError reports a record that could not be decoded.
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	var data string
	if n <= prefixLen+suffixLen {
		data = fmt.Sprintf("(%d) %x", n, e.Data)
	} else {
		data = fmt.Sprintf("(%d) %x...%x", n, e.Data[:prefixLen], e.Data[n-suffixLen:])
	}
	if e.Err != nil {
		return fmt.Sprintf("%s at %d: %v: %s", e.Msg, e.Off, e.Err, data)
	}
	return fmt.Sprintf("%s at %d: %s", e.Msg, e.Off, data)
}

// IndexError lists documents a view failed to index. The view's watermark
// stays before the first failure so the next update retries them.
type IndexError struct {
	View     string
	Failures []IndexFailure
}

type IndexFailure struct {
	DocID    string
	Sequence uint64
	Err      error
}

func (e *IndexError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "docdb: view %s: %d document(s) failed to index", e.View, len(e.Failures))
	for i, f := range e.Failures {
		if i == 3 {
			fmt.Fprintf(&buf, "; ...")
			break
		}
		fmt.Fprintf(&buf, "; %s (seq %d): %v", f.DocID, f.Sequence, f.Err)
	}
	return buf.String()
}

func (e *IndexError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}
