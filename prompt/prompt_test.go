package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScriptedReturnsAnswersInOrder(t *testing.T) {
	s := &Scripted{
		Confirms: []bool{true, false},
		Texts:    []string{"12345"},
		Secrets:  []string{"hunter2"},
	}

	assert.True(t, s.Confirm("first?"))
	assert.False(t, s.Confirm("second?"))

	text, err := s.ReadText("serial:")
	require.NoError(t, err)
	assert.Equal(t, "12345", text)

	secret, err := s.ReadSecret("pin:")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", secret)

	assert.Equal(t, []string{
		"confirm: first?",
		"confirm: second?",
		"text: serial:",
		"secret: pin:",
	}, s.Log)
}

func TestScriptedPanicsWhenExhausted(t *testing.T) {
	s := &Scripted{}
	assert.Panics(t, func() { s.Confirm("are you sure?") })
}
