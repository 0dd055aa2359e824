package qos_test

import (
	"testing"

	"github.com/ffrt-go/ffrt/qos"
	"github.com/stretchr/testify/assert"
)

func TestResolve(t *testing.T) {
	assert.Equal(t, qos.UserInitiated, qos.Resolve(qos.Inherit, qos.UserInitiated))
	assert.Equal(t, qos.UserInitiated, qos.Resolve(qos.Default, qos.UserInitiated))
	assert.Equal(t, qos.Background, qos.Resolve(qos.Background, qos.UserInitiated))
}

func TestValid(t *testing.T) {
	assert.True(t, qos.Background.Valid())
	assert.True(t, qos.UserInteractive.Valid())
	assert.False(t, qos.Inherit.Valid())
	assert.False(t, qos.Default.Valid())
	assert.False(t, qos.Level(99).Valid())
}

func TestString(t *testing.T) {
	assert.Equal(t, "background", qos.Background.String())
	assert.Equal(t, "inherit", qos.Inherit.String())
}
