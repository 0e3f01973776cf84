//go:build !linux

package recorder

// threadID reports every goroutine as thread 0 where no cheap OS thread id
// is available, so thread registration is tracked process-wide.
func threadID() int {
	return 0
}
