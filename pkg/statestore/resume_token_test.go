package statestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParseResumeToken(t *testing.T) {
	tok := GenerateResumeToken("job-1", 3, 2)
	assert.Equal(t, "ctx:job-1:3:2", tok)

	parsed, err := parseResumeToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "job-1", parsed.CorrelationID)
	assert.EqualValues(t, 3, parsed.Version)
	assert.Equal(t, 2, parsed.Turn)
}

func TestParseResumeToken_Malformed(t *testing.T) {
	cases := []string{"", "notctx:job-1:3:2", "ctx:job-1:notanumber:2", "ctx:job-1:3:notanumber", "ctx:job-1:3"}
	for _, c := range cases {
		_, err := parseResumeToken(c)
		assert.Error(t, err, c)
	}
}
