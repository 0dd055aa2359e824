package coroutine

import (
	"bytes"
	"runtime"
	"strconv"
)

// goroutineID extracts the calling goroutine's numeric id by parsing the
// header line of runtime.Stack, the standard trick used throughout the Go
// ecosystem wherever code needs a goroutine-keyed lookup without a runtime
// API for it (the stack trace header is stable and has been since Go 1.0).
//
// The corpus's own goroutineid module turned out to be an empty stub (a
// go.mod with no source under it), so this is implemented directly rather
// than imported; see DESIGN.md.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	// "goroutine 123 [running]:\n..."
	const prefix = "goroutine "
	if !bytes.HasPrefix(b, []byte(prefix)) {
		return -1
	}
	b = b[len(prefix):]
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
