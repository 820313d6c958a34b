package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic recovers from a panic and logs it with structured logging.
// It must be deferred. The panic is not re-raised.
//
//	defer observability.RecoverPanic(logger, "billing worker")
func RecoverPanic(logger *Logger, context string) {
	if r := recover(); r != nil {
		logger.WithField("panic", fmt.Sprint(r)).
			WithField("stack", string(debug.Stack())).
			WithField("context", context).
			Error("PANIC recovered")
	}
}

// RecoverPanicAsError recovers from a panic and stores it in *errp so the caller
// can surface it as an ordinary failure.
//
//	func work() (err error) {
//	    defer observability.RecoverPanicAsError(logger, "charge org", &err)
//	    ...
//	}
func RecoverPanicAsError(logger *Logger, context string, errp *error) {
	if r := recover(); r != nil {
		logger.WithField("panic", fmt.Sprint(r)).
			WithField("stack", string(debug.Stack())).
			WithField("context", context).
			Error("PANIC recovered")
		if errp != nil {
			*errp = fmt.Errorf("panic in %s: %v", context, r)
		}
	}
}
