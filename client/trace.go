package client

import (
	"context"
	"strconv"
	"time"

	"golang.org/x/net/trace"
)

// addTrace appends a lazily-formatted event to ctx's trace.EventLog, if
// one is attached.
func addTrace(ctx context.Context, format string, args ...interface{}) {
	if tr, ok := trace.FromContext(ctx); ok {
		tr.LazyPrintf(format, args...)
	}
}

func durationMsString(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}
