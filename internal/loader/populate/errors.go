package populate

import "fmt"

// OpError is the diagnostic of a failed resource operation while populating a page.
// A page that failed to populate leaves the program memory in an unknown state, so callers treat it as fatal.
type OpError struct {
	Op   string
	Path string
	Addr uintptr
	Err  error
}

func (e *OpError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s at %#x: %v", e.Op, e.Addr, e.Err)
	}

	return fmt.Sprintf("%s %s at %#x: %v", e.Op, e.Path, e.Addr, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}
