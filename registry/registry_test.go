package registry

import (
	"context"
	"testing"

	"github.com/hupe1980/planmesh/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCapability struct {
	desc core.CapabilityDescriptor
}

func (s *stubCapability) Name() string                          { return s.desc.Name }
func (s *stubCapability) Descriptor() core.CapabilityDescriptor { return s.desc }
func (s *stubCapability) Execute(context.Context, map[string]any, *core.ContextView) error {
	return nil
}

func stub(name string) *stubCapability {
	return &stubCapability{desc: core.CapabilityDescriptor{Name: name, Description: name}}
}

func TestRegisterAndGet(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(stub("weather")))
	require.NoError(t, r.Register(stub("memory")))

	c, ok := r.Get("weather")
	require.True(t, ok)
	assert.Equal(t, "weather", c.Name())

	_, ok = r.Get("unknown")
	assert.False(t, ok)

	assert.Equal(t, []string{"weather", "memory"}, r.Names())
	assert.Equal(t, 2, r.Len())
}

func TestRegisterDuplicate(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(stub("weather")))
	err := r.Register(stub("weather"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateCapability)
}

func TestRegisterNil(t *testing.T) {
	r := New()
	assert.ErrorIs(t, r.Register(nil), ErrNilCapability)
}

func TestRegisterInvalidDescriptor(t *testing.T) {
	r := New()
	err := r.Register(&stubCapability{desc: core.CapabilityDescriptor{}})
	assert.Error(t, err)
}

func TestDescriptorsOrder(t *testing.T) {
	r := New()
	r.MustRegister(stub("a"), stub("b"), stub("c"))
	descs := r.Descriptors()
	require.Len(t, descs, 3)
	assert.Equal(t, "a", descs[0].Name)
	assert.Equal(t, "c", descs[2].Name)
}
