package commonutils

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGoID_DiffersAcrossGoroutines(t *testing.T) {
	main := GoID()
	assert.Greater(t, main, int64(0))

	var other int64
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		other = GoID()
	}()
	wg.Wait()

	assert.Greater(t, other, int64(0))
	assert.NotEqual(t, main, other)
}

func helperThatAsksForItsCaller() string {
	return Caller(1)
}

func TestCaller_ReportsCallingFrame(t *testing.T) {
	got := helperThatAsksForItsCaller()
	assert.True(t, strings.HasPrefix(got, "utils_test.go:"), got)
	assert.Contains(t, got, "TestCaller_ReportsCallingFrame")
}

func TestTraceFields(t *testing.T) {
	fields := TraceFields(0)
	assert.Len(t, fields, 2)
	assert.Equal(t, "goid", fields[0].Key)
	assert.Equal(t, "caller", fields[1].Key)
	assert.Contains(t, fields[1].String, "TestTraceFields")
}
