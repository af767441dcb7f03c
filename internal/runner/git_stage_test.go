package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommitScope(t *testing.T) {
	assert.Equal(t, "go", commitScope("Go"))
	assert.Equal(t, "task", commitScope(""))
	assert.Equal(t, "frontend", commitScope("frontend"))
}
