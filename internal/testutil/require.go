// Package testutil holds channel helpers shared by asynchronous tests.
package testutil

import (
	"fmt"
	"time"
)

// T is the subset of testing.TB the helpers use.
type T interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive returns the next value from ch or fails the test after
// timeout.
func RequireReceive[V any](t T, ch <-chan V, timeout time.Duration, msgAndArgs ...any) V {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed without a value: %s", describe(msgAndArgs))
		}
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %v: %s", timeout, describe(msgAndArgs))
	}
	panic("unreachable")
}

// RequireNoReceive fails the test if ch yields a value within wait.
func RequireNoReceive[V any](t T, ch <-chan V, wait time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case v, ok := <-ch:
		if ok {
			t.Fatalf("unexpected value %+v: %s", v, describe(msgAndArgs))
		}
	case <-time.After(wait):
	}
}

func describe(msgAndArgs []any) string {
	switch len(msgAndArgs) {
	case 0:
		return "no details"
	case 1:
		return fmt.Sprint(msgAndArgs[0])
	default:
		format, ok := msgAndArgs[0].(string)
		if !ok {
			return fmt.Sprint(msgAndArgs...)
		}
		return fmt.Sprintf(format, msgAndArgs[1:]...)
	}
}
