package phy

import "fmt"

// Fault wraps an error from the underlying transport. A PHY fault
// never panics the stack: the station's Poll returns it to the caller
// and remains callable afterward. No fault state is latched, so the
// next Poll accesses the PHY again.
type Fault struct {
	Err error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("phy: %s", f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }
