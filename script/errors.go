package script

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidOperands = errors.New("invalid operands")
	ErrOutOfRange      = errors.New("argument out of range")
	ErrMalformedHex    = errors.New("malformed hex")
	ErrPushTooLarge    = errors.New("push exceeds max element size")
	ErrNotPushOnly     = errors.New("script is not push only")
	ErrInvalidOpcode   = errors.New("opcode not allowed in tapscript")
)

// CompileError is returned when a script cannot be built from the given
// arguments. It never reaches the chain.
type CompileError struct {
	Op  string
	Err error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// Errorf builds a CompileError for op wrapping the sentinel err with extra
// context.
func Errorf(op string, err error, format string, args ...interface{}) *CompileError {
	return &CompileError{Op: op, Err: fmt.Errorf("%w: "+format, append([]interface{}{err}, args...)...)}
}
