package stringutil_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taskmesh/taskmesh/internal/stringutil"
)

func TestTruncString(t *testing.T) {
	assert.Equal(t, "short", stringutil.TruncString("short", 10))
	assert.Equal(t, "exact", stringutil.TruncString("exact", 5))
	assert.Equal(t, "long st...", stringutil.TruncString("long string cut here", 10))
	assert.Equal(t, "ab", stringutil.TruncString("abcdef", 2))
}
