package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrPanic turns a recovered value into an internal CodeError with a stack.
func ErrPanic(r any) error {
	if r == nil {
		return nil
	}
	return errors.WithStack(ErrInternal.WithDetail(fmt.Sprint(r)))
}
