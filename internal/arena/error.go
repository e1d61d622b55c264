package arena

import "fmt"

var (
	ErrOutOfMemory     = &AllocError{"out of memory"}
	ErrMemoryLimit     = &AllocError{"allocation would exceed the arena memory limit"}
	ErrStreamsDisabled = &AllocError{"arena is not stream aware"}
	ErrClosed          = &AllocError{"arena is closed"}
)

type AllocError struct {
	Msg string
}

func (e *AllocError) Error() string {
	return e.Msg
}

func (e *AllocError) Is(target error) bool {
	if targetErr, ok := target.(*AllocError); ok {
		return e.Msg == targetErr.Msg
	}
	return false
}

// outOfMemory wraps cause so that both ErrOutOfMemory and cause match errors.Is.
type outOfMemory struct {
	size  uint64
	cause error
}

func (e *outOfMemory) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s allocating %d bytes", ErrOutOfMemory.Msg, e.size)
	}
	return fmt.Sprintf("%s allocating %d bytes: %v", ErrOutOfMemory.Msg, e.size, e.cause)
}

func (e *outOfMemory) Unwrap() []error {
	if e.cause == nil {
		return []error{ErrOutOfMemory}
	}
	return []error{ErrOutOfMemory, e.cause}
}
