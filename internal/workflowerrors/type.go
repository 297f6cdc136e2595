package workflowerrors

import (
	"errors"
	"reflect"
)

// getErrorType returns the name of the first error in the chain of err that is not a plain message
// or wrapper created by the standard library. Returns "" if there is none.
func getErrorType(err error) string {
	for err != nil {
		t := reflect.TypeOf(err)
		for t.Kind() == reflect.Ptr {
			t = t.Elem()
		}

		if !isStdlibError(t) {
			return t.Name()
		}

		err = errors.Unwrap(err)
	}

	return ""
}

func isStdlibError(t reflect.Type) bool {
	switch t.PkgPath() {
	case "errors":
		return t.Name() == "errorString" || t.Name() == "joinError"
	case "fmt":
		return t.Name() == "wrapError" || t.Name() == "wrapErrors"
	}

	return false
}
