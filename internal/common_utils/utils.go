package commonutils

import (
	"bytes"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"

	"go.uber.org/zap"
)

// GoID returns the id of the calling goroutine, or -1 if it cannot be parsed.
// Only meant for debug logs.
func GoID() int64 {
	// A small buffer is enough for the first line of runtime.Stack
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	// The first line looks like: "goroutine 123 [running]:\n"
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return -1
	}
	n, err := strconv.ParseInt(string(b[:i]), 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// Caller describes the frame skip levels above the function calling Caller,
// as "file.go:line (pkg.Func)".
func Caller(skip int) string {
	// +1 steps over Caller itself.
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	name := "unknown"
	if fn := runtime.FuncForPC(pc); fn != nil {
		name = fn.Name()
	}
	return fmt.Sprintf("%s:%d (%s)", filepath.Base(file), line, name)
}

// TraceFields tags a debug log line with the current goroutine and the code
// that called into the component skip levels up.
func TraceFields(skip int) []zap.Field {
	return []zap.Field{
		zap.Int64("goid", GoID()),
		zap.String("caller", Caller(skip+1)),
	}
}
