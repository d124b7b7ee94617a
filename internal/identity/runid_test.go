package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithInstanceAndBase(t *testing.T) {
	base := NewBase()
	instance := base.WithInstance(3)

	assert.Equal(t, base, instance.Base())
	assert.Equal(t, string(base)+"-3", string(instance))
}

func TestBaseOfBareBase(t *testing.T) {
	base := NewBase()
	assert.Equal(t, base, base.Base())
}

func TestBaseStripsOnlyTrailingSuffix(t *testing.T) {
	// uuids contain hyphens themselves; Base must strip only the last
	// "-<instanceId>" segment, not the uuid's own structure.
	base := RunId("11111111-2222-3333-4444-555555555555")
	instance := base.WithInstance(12)
	assert.Equal(t, base, instance.Base())
}
