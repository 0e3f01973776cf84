package profiler

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxNameLen is the longest name the native engine stores without
// truncation.
const MaxNameLen = 64

func validateName(kind, name string) error {
	var reason error
	switch {
	case name == "":
		reason = fmt.Errorf("%w: empty", ErrInvalidName)
	case strings.IndexByte(name, 0) >= 0:
		reason = fmt.Errorf("%w: contains NUL byte", ErrInvalidName)
	case !utf8.ValidString(name):
		reason = fmt.Errorf("%w: not valid UTF-8", ErrInvalidName)
	case len(name) > MaxNameLen:
		reason = fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, MaxNameLen)
	}
	if reason != nil {
		return &NameError{Kind: kind, Name: name, Err: reason}
	}
	return nil
}
