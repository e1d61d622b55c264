package backing

var (
	ErrNoCapacity  = &AllocError{"no capacity available for allocation"}
	ErrInvalidSize = &AllocError{"allocation size must be positive"}
	ErrUnknownPtr  = &AllocError{"pointer was not allocated by this allocator"}
)

// AllocError is a backing allocator failure. Errors match by message, so a
// wrapped copy still satisfies errors.Is against the sentinel.
type AllocError struct {
	Msg string
}

func (e *AllocError) Error() string {
	return "backing: " + e.Msg
}

func (e *AllocError) Is(target error) bool {
	t, ok := target.(*AllocError)
	return ok && e.Msg == t.Msg
}
