// internal/errs/errs.go
package errs

import (
	"errors"
	"fmt"
	"runtime"
)

// Code is the stable, numeric reason an invocation was rejected.
type Code uint32

const (
	InvalidInstruction Code = iota
	InvalidOwner
	InvalidGroupOwner
	InvalidSignerKey
	InvalidAdminKey
	InsufficientFunds
	InvalidToken
	InvalidProgramID
	GroupNotRentExempt
	AccountNotRentExempt
	OutOfSpace
	InvalidParam
	InvalidAccount
	SignerNecessary
	InvalidOracle
	MathError
	VenueError

	Default Code = 0xFFFF_FFFF
)

var codeNames = map[Code]string{
	InvalidInstruction:   "invalid instruction",
	InvalidOwner:         "invalid owner",
	InvalidGroupOwner:    "invalid group owner",
	InvalidSignerKey:     "invalid signer key",
	InvalidAdminKey:      "invalid admin key",
	InsufficientFunds:    "insufficient funds",
	InvalidToken:         "invalid token",
	InvalidProgramID:     "invalid program id",
	GroupNotRentExempt:   "group not rent exempt",
	AccountNotRentExempt: "account not rent exempt",
	OutOfSpace:           "out of space",
	InvalidParam:         "invalid param",
	InvalidAccount:       "invalid account",
	SignerNecessary:      "signer necessary",
	InvalidOracle:        "invalid oracle",
	MathError:            "math error",
	VenueError:           "venue error",
	Default:              "default",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", uint32(c))
}

// Error lets a bare Code be used as an errors.Is target.
func (c Code) Error() string { return c.String() }

// Component names the part of the system that raised an error.
type Component uint8

const (
	ComponentProcessor Component = iota
	ComponentRegistry
	ComponentOracle
	ComponentNav
	ComponentVault
	ComponentVenue
	ComponentMath
)

func (c Component) String() string {
	switch c {
	case ComponentProcessor:
		return "processor"
	case ComponentRegistry:
		return "registry"
	case ComponentOracle:
		return "oracle"
	case ComponentNav:
		return "nav"
	case ComponentVault:
		return "vault"
	case ComponentVenue:
		return "venue"
	case ComponentMath:
		return "math"
	default:
		return "unknown"
	}
}

// Error is a classified failure with the source line that raised it.
type Error struct {
	Code      Code
	Component Component
	Line      int
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s:%d): %v", e.Code, e.Component, e.Line, e.Cause)
	}
	return fmt.Sprintf("%s (%s:%d)", e.Code, e.Component, e.Line)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error or a bare Code by code only.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Code:
		return e.Code == t
	case *Error:
		return e.Code == t.Code
	}
	return false
}

func newError(code Code, component Component, cause error, skip int) *Error {
	_, _, line, _ := runtime.Caller(skip)
	return &Error{Code: code, Component: component, Line: line, Cause: cause}
}

// New returns an Error tagged with the caller's line.
func New(component Component, code Code) error {
	return newError(code, component, nil, 2)
}

// Wrap classifies cause under code, tagged with the caller's line.
func Wrap(component Component, code Code, cause error) error {
	return newError(code, component, cause, 2)
}

// Check returns nil when cond holds, otherwise an Error for the caller's line.
func Check(cond bool, component Component, code Code) error {
	if cond {
		return nil
	}
	return newError(code, component, nil, 2)
}

// Math classifies an arithmetic failure.
func Math(component Component, cause error) error {
	if cause == nil {
		return nil
	}
	return newError(MathError, component, cause, 2)
}

// CodeOf extracts the Code carried by err, or Default.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Default
}
