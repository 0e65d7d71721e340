package safe

import (
	"ChatRelay/logger"
	"ChatRelay/tools/errs"

	"go.uber.org/zap"
)

// Go starts f in a goroutine that recovers and logs panics instead of
// crashing the process.
func Go(name string, f func()) {
	go Run(name, f)
}

// Run calls f and recovers a panic, reporting it as an error.
func Run(name string, f func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.ErrPanic(r)
			logger.Error("panic recovered", zap.String("task", name), zap.Error(err))
		}
	}()
	f()
	return nil
}
