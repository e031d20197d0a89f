package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocalCallEndpointUsesLoopback(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:3321", localCallEndpoint(3321))
	assert.Equal(t, "http://127.0.0.1:8080", localCallEndpoint(8080))
}
