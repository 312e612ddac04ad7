// Package rawlog writes single-line diagnostics straight to file descriptor
// 2 via golang.org/x/sys/unix.Write, bypassing fmt, the log package, and
// os.Stderr's buffering. It is the only logging path allowed to execute on
// a path that may re-enter an interceptor: a single raw write(2) cannot
// recursively trigger the shim's own write hook the way higher-level I/O
// (which may open buffers, resolve DNS for a log sink, etc.) could.
package rawlog

import "golang.org/x/sys/unix"

const prefix = "[otel-preload] "

// Write emits msg to stderr, prefixed and newline-terminated. Errors from
// the underlying write are discarded: there is no safe fallback path left
// once the lowest-level log write has failed.
func Write(msg string) {
	buf := make([]byte, 0, len(prefix)+len(msg)+1)
	buf = append(buf, prefix...)
	buf = append(buf, msg...)
	if len(buf) == 0 || buf[len(buf)-1] != '\n' {
		buf = append(buf, '\n')
	}
	_, _ = unix.Write(2, buf)
}
