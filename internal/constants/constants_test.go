package constants_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arcturus-re/vmdevirt/internal/constants"
)

func TestWiden(t *testing.T) {
	tests := []struct {
		name     string
		a, b     constants.VMType
		expected constants.VMType
	}{
		{"same type", constants.TypeDword, constants.TypeDword, constants.TypeDword},
		{"unknown left", constants.TypeUnknown, constants.TypeQword, constants.TypeQword},
		{"unknown right", constants.TypeDword, constants.TypeUnknown, constants.TypeDword},
		{"both unknown", constants.TypeUnknown, constants.TypeUnknown, constants.TypeUnknown},
		{"differing specifics", constants.TypeDword, constants.TypeQword, constants.TypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, constants.Widen(tt.a, tt.b))
		})
	}
}

func TestStackBehavior_FixedArity(t *testing.T) {
	assert.Equal(t, 2, constants.PopDwordDword.Arity())
	assert.False(t, constants.PopDwordDword.IsVariadic())
	assert.Equal(t, constants.TypeDword, constants.PopDwordDword.SlotType(0))
	assert.Equal(t, constants.TypeDword, constants.PopDwordDword.SlotType(1))
	assert.Equal(t, constants.TypeUnknown, constants.PopDwordDword.SlotType(2))
}

func TestStackBehavior_Variadic(t *testing.T) {
	assert.True(t, constants.PopVar.IsVariadic())
	assert.Equal(t, 0, constants.PopVar.Arity())
}

func TestStackBehavior_None(t *testing.T) {
	assert.True(t, constants.None.IsNone())
	assert.False(t, constants.PopByte.IsNone())
}

func TestVMConstants_ResolveVCall(t *testing.T) {
	c := &constants.VMConstants{
		VCalls: map[uint8]constants.VCallOp{
			0: constants.VCallECall,
			1: constants.VCallThrow,
		},
	}

	op, ok := c.ResolveVCall(1)
	assert.True(t, ok)
	assert.Equal(t, constants.VCallThrow, op)

	_, ok = c.ResolveVCall(99)
	assert.False(t, ok)
}

func TestVMConstants_ResolveEHType(t *testing.T) {
	c := &constants.VMConstants{
		EHTypes: map[uint8]constants.EHType{
			0: constants.EHCatch,
			3: constants.EHFault,
		},
	}

	eh, ok := c.ResolveEHType(3)
	assert.True(t, ok)
	assert.Equal(t, constants.EHFault, eh)

	_, ok = c.ResolveEHType(7)
	assert.False(t, ok)
}

func TestVCallOpString(t *testing.T) {
	assert.Equal(t, "ECALL", constants.VCallECall.String())
	assert.Equal(t, "THROW", constants.VCallThrow.String())
	assert.Equal(t, "UNKNOWN_VCALL", constants.VCallOp(255).String())
}

func TestEHTypeString(t *testing.T) {
	assert.Equal(t, "Catch", constants.EHCatch.String())
	assert.Equal(t, "Fault", constants.EHFault.String())
	assert.Equal(t, "Unknown", constants.EHType(255).String())
}
