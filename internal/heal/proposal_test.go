package heal

import (
	"testing"

	"healnerd/internal/intent"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProposalAccepts(t *testing.T) {
	cases := map[string]string{
		"bare":   `{"target":{"role":"button","name":"Log In"},"fallback_targets":[{"text":"Log In"},{"testid":"login"}]}`,
		"fenced": "```json\n{\"target\":{\"label\":\"Email\"},\"fallback_targets\":[{\"placeholder\":\"Email\"},{\"text\":\"Email\"}]}\n```",
		"padded": "\n  {\"target\":{\"text\":\"Go\"},\"fallback_targets\":[{\"text\":\"Go!\"},{\"selector\":\"#go\"},{}]}  \n",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			p, err := ParseProposal(in)
			require.NoError(t, err)
			assert.False(t, p.Target.IsEmpty())
			assert.Len(t, p.FallbackTargets, 2)
		})
	}
}

func TestParseProposalDropsEmptyFallbacks(t *testing.T) {
	p, err := ParseProposal(`{"target":{"text":"Go"},"fallback_targets":[{},{"text":"Go!"},{"selector":"#go"}]}`)
	require.NoError(t, err)
	assert.Equal(t, []intent.Target{{Text: "Go!"}, {Selector: "#go"}}, p.FallbackTargets)
}

func TestParseProposalRejects(t *testing.T) {
	cases := map[string]string{
		"not json":        "click the login button",
		"empty":           "",
		"array":           `[{"target":{"text":"Go"},"fallback_targets":[{"text":"a"},{"text":"b"}]}]`,
		"two objects":     `{"target":{"text":"Go"},"fallback_targets":[{"text":"a"},{"text":"b"}]} {"target":{"text":"x"}}`,
		"commentary":      `Here you go: {"target":{"text":"Go"},"fallback_targets":[{"text":"a"},{"text":"b"}]}`,
		"missing target":  `{"fallback_targets":[{"text":"a"},{"text":"b"}]}`,
		"empty target":    `{"target":{},"fallback_targets":[{"text":"a"},{"text":"b"}]}`,
		"one fallback":    `{"target":{"text":"Go"},"fallback_targets":[{"text":"a"}]}`,
		"empty fallbacks": `{"target":{"text":"Go"},"fallback_targets":[{},{}]}`,
		"unknown key":     `{"target":{"text":"Go"},"fallback_targets":[{"text":"a"},{"text":"b"}],"confidence":0.9}`,
		"unknown facet":   `{"target":{"xpath":"//a"},"fallback_targets":[{"text":"a"},{"text":"b"}]}`,
		"truncated":       `{"target":{"text":"Go"},"fallback_targets":[{"text":"a"}`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseProposal(in)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedProposal)
		})
	}
}
