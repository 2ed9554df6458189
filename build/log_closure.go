package build

import (
	"github.com/davecgh/go-spew/spew"
)

// LogClosure defers an expensive formatting until the logger decides to
// print the value.
type LogClosure func() string

// String invokes the closure.
func (c LogClosure) String() string {
	return c()
}

// SpewLogClosure returns a LogClosure that dumps a with spew.
func SpewLogClosure(a any) LogClosure {
	return func() string {
		return spew.Sdump(a)
	}
}
