package errs

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// CodeError is an error that can be reported to a websocket peer.
// Code is the stable machine-readable reason, Msg the human text.
// Close tells the connection layer to terminate the socket after replying.
type CodeError struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Detail string `json:"detail,omitempty"`
	Close  bool   `json:"-"`
}

func NewCodeError(code, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

// Closing marks the error as fatal for the connection.
func (e *CodeError) Closing() *CodeError {
	c := e.clone()
	c.Close = true
	return c
}

func (e *CodeError) WithDetail(detail string) *CodeError {
	c := e.clone()
	if c.Detail == "" {
		c.Detail = detail
	} else {
		c.Detail += ", " + detail
	}
	return c
}

func (e *CodeError) clone() *CodeError {
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: e.Detail, Close: e.Close}
}

// WrapMsg returns a copy carrying msg and key/value pairs as detail, with a stack attached.
func (e *CodeError) WrapMsg(msg string, kv ...any) error {
	c := e.clone()
	if msg != "" || len(kv) > 0 {
		c = c.WithDetail(toString(msg, kv))
	}
	return errors.WithStack(c)
}

// Is matches any CodeError with the same code, wrapped or not.
func (e *CodeError) Is(target error) bool {
	var ce *CodeError
	if !stderrors.As(target, &ce) {
		return false
	}
	return e.Code == ce.Code
}

func (e *CodeError) Error() string {
	if e.Detail == "" {
		return e.Code + " " + e.Msg
	}
	return e.Code + " " + e.Msg + " " + e.Detail
}

// Message is the text sent to the peer.
func (e *CodeError) Message() string {
	if e.Detail == "" {
		return e.Msg
	}
	return e.Msg + ": " + e.Detail
}

// As extracts the CodeError carried by err, if any.
func As(err error) (*CodeError, bool) {
	var ce *CodeError
	if stderrors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// From converts any error into a CodeError, falling back to fallback for foreign errors.
func From(err error, fallback *CodeError) *CodeError {
	if err == nil {
		return nil
	}
	if ce, ok := As(err); ok {
		return ce
	}
	return fallback.WithDetail(errors.Cause(err).Error())
}

// Wrap attaches a stack to err.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(err)
}

func WrapMsg(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, toString(msg, kv))
}

func toString(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if sb.Len() > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprint(kv[i]))
		sb.WriteString("=")
		if i+1 < len(kv) {
			sb.WriteString(fmt.Sprint(kv[i+1]))
		} else {
			sb.WriteString("MISSING")
		}
	}
	return sb.String()
}
