package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvironment(t *testing.T) {
	t.Setenv("ENVIRONMENT", "")
	assert.Equal(t, "dev", environment())

	t.Setenv("ENVIRONMENT", "prod")
	assert.Equal(t, "prod", environment())
}
