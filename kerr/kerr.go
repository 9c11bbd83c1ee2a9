// Package kerr defines the kernel's fixed error-status table and
// Exception, an error value that carries one of those statuses.
package kerr

import "fmt"

// Err_t is a kernel status code. Zero is success; negative values are
// errors drawn from the fixed table below.
type Err_t int64

// Status codes. Negative values are errors; 0 is success.
const (
	SUCCESS Err_t = 0

	ERROR_GENERAL            Err_t = -1
	ERROR_OUT_OF_RANGE       Err_t = -2
	ERROR_UNALLIGNED         Err_t = -3
	ERROR_PAGE_PRESENT       Err_t = -4
	ERROR_PAGE_NOT_ALLOCATED Err_t = -5
	ERROR_NO_MESSAGES        Err_t = -6
	ERROR_NO_SUCH_PROCESS    Err_t = -7
	ERROR_PROCESS_INITED     Err_t = -8
	ERROR_NO_PERMISSION      Err_t = -9
	ERROR_PORT_DOESNT_EXIST  Err_t = -10
	ERROR_NAME_EXISTS        Err_t = -11
	ERROR_NOT_SUPPORTED      Err_t = -12
	ERROR_HAS_NO_PAGE_TABLE  Err_t = -13
	ERROR_OUT_OF_MEMORY      Err_t = -14
	ERROR_PORT_CLOSED        Err_t = -15
	ERROR_ALREADY_BLOCKED    Err_t = -16
)

var names = map[Err_t]string{
	SUCCESS:                  "success",
	ERROR_GENERAL:            "general error",
	ERROR_OUT_OF_RANGE:       "out of range",
	ERROR_UNALLIGNED:         "unaligned address",
	ERROR_PAGE_PRESENT:       "page present",
	ERROR_PAGE_NOT_ALLOCATED: "page not allocated",
	ERROR_NO_MESSAGES:        "no messages",
	ERROR_NO_SUCH_PROCESS:    "no such process",
	ERROR_PROCESS_INITED:     "process already inited",
	ERROR_NO_PERMISSION:      "no permission",
	ERROR_PORT_DOESNT_EXIST:  "port doesn't exist",
	ERROR_NAME_EXISTS:        "name exists",
	ERROR_NOT_SUPPORTED:      "not supported",
	ERROR_HAS_NO_PAGE_TABLE:  "task has no page table",
	ERROR_OUT_OF_MEMORY:      "out of memory",
	ERROR_PORT_CLOSED:        "port closed",
	ERROR_ALREADY_BLOCKED:    "already blocked",
}

// String renders the error code using its fixed-table name, falling back
// to the numeric value for anything outside the table.
func (e Err_t) String() string {
	if s, ok := names[e]; ok {
		return s
	}
	return fmt.Sprintf("err(%d)", int64(e))
}

// Exception wraps a status code as a Go error value. The syscall
// dispatcher does not use it: its handlers return a bare Err_t.
type Exception struct {
	Code Err_t
	Msg  string
}

func (e *Exception) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// New constructs an Exception for the given code and message.
func New(code Err_t, msg string) *Exception {
	return &Exception{Code: code, Msg: msg}
}

// Kind classifies an error per spec 7: argument, policy, resource or fault.
type Kind int

const (
	KindArgument Kind = iota
	KindPolicy
	KindResource
	KindFault
)

// ClassOf returns the error kind used to decide whether a fault should kill
// the offending task (KindFault) versus simply return an error.
func ClassOf(e Err_t) Kind {
	switch e {
	case ERROR_OUT_OF_MEMORY:
		return KindResource
	case ERROR_NO_PERMISSION, ERROR_PAGE_PRESENT, ERROR_PROCESS_INITED,
		ERROR_PORT_CLOSED, ERROR_ALREADY_BLOCKED, ERROR_NAME_EXISTS:
		return KindPolicy
	case ERROR_GENERAL:
		return KindFault
	default:
		return KindArgument
	}
}
