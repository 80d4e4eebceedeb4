package humanfn

import (
	"fmt"
	"runtime"
	"strings"
)

// PanicError carries a recovered panic value and a trimmed stack.
type PanicError struct {
	Func  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Func, e.Value)
}

// RecoverPanic converts a panic into *PanicError stored in errp.
// It must be deferred directly.
//
//	defer humanfn.RecoverPanic("onTimeout", &err)
func RecoverPanic(funcName string, errp *error) {
	r := recover()
	if r == nil {
		return
	}
	stack := make([]byte, 8096)
	n := runtime.Stack(stack, false)
	perr := &PanicError{Func: funcName, Value: r, Stack: cleanStackTrace(stack[:n])}
	if errp != nil {
		*errp = perr
	}
}

func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")

	// find the index after the panic line
	panicLineIndex := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLineIndex = i
			break
		}
	}

	// drop the panic() call line and its file reference
	if panicLineIndex >= 0 && panicLineIndex+2 < len(lines) {
		lines = lines[panicLineIndex+2:]
	}

	return []byte(strings.Join(lines, "\n"))
}
