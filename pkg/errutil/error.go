package errutil

import (
	"errors"
	"fmt"
)

type Detail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type BaseError struct {
	Code    CoreStatus `json:"code"`
	Reason  string     `json:"reason,omitempty"`
	Message string     `json:"message"`
	Details []Detail   `json:"details,omitempty"`
	Err     error      `json:"-"`
}

func (e BaseError) Status() CoreStatus {
	return e.Code
}

// JSON renders the error envelope. Internal causes are not exposed for 5xx kinds.
func (e BaseError) JSON() interface{} {
	message := e.messageWithErr()
	if e.Code == StatusInternal {
		message = e.Message
	}

	body := map[string]interface{}{
		"code":    e.Code,
		"message": message,
	}
	if e.Reason != "" {
		body["reason"] = e.Reason
	}
	if len(e.Details) > 0 {
		body["details"] = e.Details
	}

	return map[string]interface{}{"error": body}
}

func (e BaseError) Unwrap() error {
	return e.Err
}

func (e BaseError) Error() string {
	code := string(e.Code)
	if e.Reason != "" {
		code = code + "/" + e.Reason
	}
	return fmt.Sprintf("[%s] %s", code, e.messageWithErr())
}

func (e BaseError) messageWithErr() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Detail returns the message of the first detail with the given field.
func (e BaseError) Detail(field string) (string, bool) {
	for _, d := range e.Details {
		if d.Field == field {
			return d.Message, true
		}
	}
	return "", false
}

type Option func(*BaseError)

func WithDetails(details ...Detail) Option {
	return func(be *BaseError) { be.Details = append(be.Details, details...) }
}

func WithDetail(field, message string) Option {
	return WithDetails(Detail{Field: field, Message: message})
}

func WithErr(err error) Option {
	return func(be *BaseError) { be.Err = err }
}

func WithReason(reason string) Option {
	return func(be *BaseError) { be.Reason = reason }
}

func New(code CoreStatus, message string, opts ...Option) error {
	be := BaseError{Code: code, Message: message}
	for _, opt := range opts {
		opt(&be)
	}
	return be
}

func newWithCause(code CoreStatus, msg string, err error, options []Option) error {
	if err != nil {
		options = append([]Option{WithErr(err)}, options...)
	}
	return New(code, msg, options...)
}

func NotFound(msg string, err error, options ...Option) error {
	return newWithCause(StatusNotFound, msg, err, options)
}

func UnprocessableEntity(msg string, err error, options ...Option) error {
	return newWithCause(StatusUnprocessableEntity, msg, err, options)
}

func UnsupportedMediaType(msg string, err error, options ...Option) error {
	return newWithCause(StatusUnsupportedMediaType, msg, err, options)
}

func Conflict(msg string, err error, options ...Option) error {
	return newWithCause(StatusConflict, msg, err, options)
}

func BadRequest(msg string, err error, options ...Option) error {
	return newWithCause(StatusBadRequest, msg, err, options)
}

func ValidationFailed(msg string, err error, options ...Option) error {
	return newWithCause(StatusValidationFailed, msg, err, options)
}

func Internal(msg string, err error, options ...Option) error {
	return newWithCause(StatusInternal, msg, err, options)
}

func Timeout(msg string, err error, options ...Option) error {
	return newWithCause(StatusTimeout, msg, err, options)
}

func Unauthorized(msg string, err error, options ...Option) error {
	return newWithCause(StatusUnauthorized, msg, err, options)
}

func Forbidden(msg string, err error, options ...Option) error {
	return newWithCause(StatusForbidden, msg, err, options)
}

func TooManyRequest(msg string, err error, options ...Option) error {
	return newWithCause(StatusTooManyRequests, msg, err, options)
}

func ServiceUnavailable(msg string, err error, options ...Option) error {
	return newWithCause(StatusServiceUnavailable, msg, err, options)
}

// PolicyViolation is a business-rule rejection. reason is the stable sub-kind
// callers switch on (e.g. INSUFFICIENT_FUNDS).
func PolicyViolation(reason, msg string, options ...Option) error {
	return New(StatusUnprocessableEntity, msg, append([]Option{WithReason(reason)}, options...)...)
}

// Storage wraps an I/O failure of the persistence layer.
func Storage(msg string, err error, options ...Option) error {
	return newWithCause(StatusInternal, msg, err, options)
}

// From extracts the BaseError carried by err. Foreign errors become INTERNAL.
func From(err error) BaseError {
	var be BaseError
	if errors.As(err, &be) {
		return be
	}
	return BaseError{Code: StatusInternal, Message: "internal error", Err: err}
}

// StatusOf returns the CoreStatus of err, or StatusUnknown for nil.
func StatusOf(err error) CoreStatus {
	if err == nil {
		return StatusUnknown
	}
	return From(err).Code
}

// ReasonOf returns the policy sub-kind attached to err, if any.
func ReasonOf(err error) string {
	var be BaseError
	if errors.As(err, &be) {
		return be.Reason
	}
	return ""
}
