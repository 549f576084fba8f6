package appads

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Tests for app-ads.txt line classification and analysis counters.

func TestClassifyLine(t *testing.T) {
	tests := []struct {
		name       string
		line       string
		wantClass  lineClass
		wantFields []string
	}{
		{
			name:       "valid three fields",
			line:       "google.com, pub-1234567, DIRECT",
			wantClass:  classValid,
			wantFields: []string{"google.com", "pub-1234567", "DIRECT"},
		},
		{
			name:       "valid four fields with tag id",
			line:       "google.com, pub-1234567, DIRECT, abc123",
			wantClass:  classValid,
			wantFields: []string{"google.com", "pub-1234567", "DIRECT", "abc123"},
		},
		{
			name:      "empty line",
			line:      "",
			wantClass: classEmpty,
		},
		{
			name:      "whitespace only",
			line:      "   \t ",
			wantClass: classEmpty,
		},
		{
			name:      "comment",
			line:      "# authorized sellers",
			wantClass: classComment,
		},
		{
			name:      "indented comment",
			line:      "   # indented",
			wantClass: classComment,
		},
		{
			name:       "inline comment stripped",
			line:       "google.com, pub-1, RESELLER # eu partner",
			wantClass:  classValid,
			wantFields: []string{"google.com", "pub-1", "RESELLER"},
		},
		{
			name:      "two fields invalid",
			line:      "google.com, pub-1234567",
			wantClass: classInvalid,
		},
		{
			name:      "single token invalid",
			line:      "not-a-record",
			wantClass: classInvalid,
		},
		{
			name:       "fields trimmed",
			line:       "  google.com ,  pub-1 , direct ",
			wantClass:  classValid,
			wantFields: []string{"google.com", "pub-1", "direct"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			class, fields := classifyLine(tt.line)
			assert.Equal(t, tt.wantClass, class)
			if tt.wantFields != nil {
				assert.Equal(t, tt.wantFields, fields)
			}
		})
	}
}

func TestAnalyseCounters(t *testing.T) {
	content := strings.Join([]string{
		"# header comment",
		"",
		"google.com, pub-1234567, DIRECT, abc",
		"appnexus.com, 1234, RESELLER",
		"GOOGLE.COM, pub-888, direct",
		"broken line",
		"rubicon.com, 5678, partner",
	}, "\n")

	analysis, _ := Analyse(content, nil, 0)

	assert.Equal(t, 7, analysis.TotalLines)
	assert.Equal(t, 4, analysis.ValidLines)
	assert.Equal(t, 1, analysis.CommentLines)
	assert.Equal(t, 1, analysis.EmptyLines)
	assert.Equal(t, 1, analysis.InvalidLines)
	// google.com appears twice with different case; publishers are
	// case-folded
	assert.Equal(t, 3, analysis.UniquePublishers)
	assert.Equal(t, 2, analysis.Relationships.Direct)
	assert.Equal(t, 1, analysis.Relationships.Reseller)
	assert.Equal(t, 1, analysis.Relationships.Other)
}

// Every line increments exactly one counter, and valid lines equal the
// sum of the relationship buckets.
func TestAnalyseInvariants(t *testing.T) {
	contents := []string{
		"",
		"\n\n\n",
		"google.com, pub-1, DIRECT\n# c\nbad\n\nx.com, 2, RESELLER, t\r\nlast.com, 3, other",
		"a, b\nc, d\n",
		"# only comments\n# more",
		"one.com, 1, direct\r\ntwo.com, 2, reseller\rthree.com, 3, weird",
	}

	for i, content := range contents {
		t.Run(fmt.Sprintf("content_%d", i), func(t *testing.T) {
			analysis, _ := Analyse(content, nil, 0)
			sum := analysis.ValidLines + analysis.CommentLines + analysis.EmptyLines + analysis.InvalidLines
			assert.Equal(t, analysis.TotalLines, sum, "each line must land in exactly one bucket")

			rel := analysis.Relationships
			assert.Equal(t, analysis.ValidLines, rel.Direct+rel.Reseller+rel.Other)
		})
	}
}

func TestAnalyseSampleErrorsCapped(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&sb, "invalid line %d\n", i)
	}

	analysis, _ := Analyse(sb.String(), nil, 0)
	assert.Equal(t, 10, analysis.InvalidLines)
	require.Len(t, analysis.SampleErrors, 5)
	assert.Equal(t, 1, analysis.SampleErrors[0].LineNumber)
	assert.Contains(t, analysis.SampleErrors[0].Reason, "fewer than 3")
}

func TestAnalyseLineEndings(t *testing.T) {
	// identical records under the three line ending conventions
	for _, sep := range []string{"\n", "\r\n", "\r"} {
		content := "a.com, 1, direct" + sep + "b.com, 2, reseller"
		analysis, _ := Analyse(content, nil, 0)
		assert.Equal(t, 2, analysis.TotalLines, "separator %q", sep)
		assert.Equal(t, 2, analysis.ValidLines, "separator %q", sep)
	}
}

func TestParseLines(t *testing.T) {
	content := "# c\ngoogle.com, pub-1, DIRECT, tag\nbad\n"
	lines := ParseLines(content)
	require.Len(t, lines, 1)
	assert.Equal(t, 2, lines[0].LineNumber)
	assert.Equal(t, []string{"google.com", "pub-1", "DIRECT", "tag"}, lines[0].Fields)
}

func TestRelationshipCaseInsensitive(t *testing.T) {
	content := "a.com, 1, DiReCt\nb.com, 2, ReSeLLeR\nc.com, 3, Direct "
	analysis, _ := Analyse(content, nil, 0)
	assert.Equal(t, 2, analysis.Relationships.Direct)
	assert.Equal(t, 1, analysis.Relationships.Reseller)
	assert.Equal(t, 0, analysis.Relationships.Other)
}
