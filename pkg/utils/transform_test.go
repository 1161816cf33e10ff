package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedup(t *testing.T) {
	assert.Equal(t, []string{"chat", "code-generation"}, Dedup([]string{" chat", "code-generation", "chat ", "", "  "}))
	assert.Empty(t, Dedup(nil))
}
