package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEval_HexFormatting(t *testing.T) {
	got, err := Eval(`hex(pid)`, 10, "ignored")
	require.NoError(t, err)
	assert.Equal(t, "0a", got)
}

func TestEval_HexWidth(t *testing.T) {
	got, err := Eval(`hex(pid, 2)`, 255, "ignored")
	require.NoError(t, err)
	assert.Equal(t, "00ff", got)
}

func TestEval_ConcatenationWithLiteral(t *testing.T) {
	got, err := Eval(`hex(pid) + "0006"`, 1, "x")
	require.NoError(t, err)
	assert.Equal(t, "010006", got)
}

func TestEval_Arithmetic(t *testing.T) {
	got, err := Eval(`hex(pid * 2 + 1)`, 5, "x")
	require.NoError(t, err)
	assert.Equal(t, "0b", got)
}

func TestEval_InstructNameVariable(t *testing.T) {
	got, err := Eval(`instructName`, 1, "read-temp")
	require.NoError(t, err)
	assert.Equal(t, "read-temp", got)
}

func TestEval_DivisionByZero(t *testing.T) {
	_, err := Eval(`pid / 0`, 1, "x")
	assert.Error(t, err)
}

func TestEval_UnknownIdentifier(t *testing.T) {
	_, err := Eval(`bogus`, 1, "x")
	assert.Error(t, err)
}

func TestEval_TrailingGarbage(t *testing.T) {
	_, err := Eval(`pid )`, 1, "x")
	assert.Error(t, err)
}

func TestEval_Deterministic(t *testing.T) {
	a, err := Eval(`hex(pid, 2) + instructName`, 42, "cmd")
	require.NoError(t, err)
	b, err := Eval(`hex(pid, 2) + instructName`, 42, "cmd")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
