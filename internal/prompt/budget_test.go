package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"artiflow/pkg/contract"
)

func TestMakeEstimator(t *testing.T) {
	est := MakeEstimator(0)
	assert.Equal(t, 2, est("abcdef"))
	assert.Equal(t, 0, est(""))
	assert.Equal(t, 3, MakeEstimator(2)("abcde"))
}

func TestEstimatePrompt(t *testing.T) {
	est := MakeEstimator(4)
	assert.Equal(t, 2, EstimatePrompt(contract.TextPrompt("abcdefgh"), est))
	chat := contract.ChatPrompt{{Role: "system", Content: "abcd"}, {Role: "user", Content: ""}}
	assert.Equal(t, 1+4+0+4, EstimatePrompt(chat, est))
	assert.Equal(t, 0, EstimatePrompt(42, est))
	assert.Equal(t, 0, EstimatePrompt(chat, nil))
}

func TestRequestTokens(t *testing.T) {
	assert.Equal(t, 2+100, RequestTokens(contract.TextPrompt("abcdefgh"), 4, 100))
	assert.Equal(t, 2, RequestTokens(contract.TextPrompt("abcdefgh"), 4, 0))
}
