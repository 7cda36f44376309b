package common

import (
	"errors"
	"fmt"
	"strings"

	"candy-panel/logger"
)

// NewErrorf creates an error from a format string.
func NewErrorf(format string, a ...any) error {
	return errors.New(fmt.Sprintf(format, a...))
}

// NewError creates an error by joining its arguments with spaces.
func NewError(a ...any) error {
	return errors.New(strings.TrimSpace(fmt.Sprintln(a...)))
}

// Recover logs a recovered panic together with msg.
func Recover(msg string) any {
	panicErr := recover()
	if panicErr != nil {
		if msg != "" {
			logger.Error(msg, "panic:", panicErr)
		}
	}
	return panicErr
}

// Combine joins the non-nil errors; it returns nil when all of them are nil.
func Combine(errs ...error) error {
	var msgs []string
	for _, err := range errs {
		if err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return errors.New(strings.Join(msgs, "; "))
}
