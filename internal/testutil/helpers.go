package testutil

// Ptr returns a pointer to the given value. internal/config's overlay struct
// uses pointer fields (e.g. *int64 millisecond fields like MaintTickMS) to
// distinguish "unset" from an explicit zero, which makes struct literals in
// its tests verbose without this helper:
//
//	testutil.Ptr(int64(9000)) // *int64
//	testutil.Ptr(true)        // *bool
//
// in place of the equivalent expansion:
//
//	v := <arg>
//	return &v
func Ptr[T any](v T) *T { return &v }
