package appads

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Tests for the search matcher: plain terms AND together, structured
// terms are independent OR groups, per-term counts stay individual.

func mustPlain(t *testing.T, s string) Term {
	t.Helper()
	term, err := PlainTerm(s)
	require.NoError(t, err)
	return term
}

func mustStructured(t *testing.T, domain, pub, rel, tag string) Term {
	t.Helper()
	term, err := StructuredTerm(domain, pub, rel, tag)
	require.NoError(t, err)
	return term
}

func TestTermValidation(t *testing.T) {
	_, err := PlainTerm("   ")
	assert.ErrorIs(t, err, ErrEmptyTerm)

	_, err = StructuredTerm("", "", "", "")
	assert.ErrorIs(t, err, ErrEmptyTerm)

	term := mustPlain(t, "  GooGle.Com ")
	assert.Equal(t, "google.com", term.Plain)

	st := mustStructured(t, "Google.com", "PUB-1", "", "")
	assert.Equal(t, "google.com", st.Domain)
	assert.Equal(t, "pub-1", st.PublisherID)
	assert.True(t, st.IsStructured())
}

func TestPlainTermsFormSingleANDGroup(t *testing.T) {
	content := strings.Join([]string{
		"google.com, pub-1234567, DIRECT",  // both terms
		"google.com, pub-999, DIRECT",      // only first
		"appnexus.com, pub-1234567, RESELLER", // only second
	}, "\n")

	terms := []Term{mustPlain(t, "google.com"), mustPlain(t, "pub-1234567")}
	_, search := Analyse(content, terms, 0)
	require.NotNil(t, search)

	// a line matches the group only when every plain term matches
	assert.Equal(t, 1, search.Count)
	require.Len(t, search.MatchingLines, 1)
	assert.Equal(t, 1, search.MatchingLines[0].LineNumber)

	// per-term accounting stays individual
	assert.Equal(t, 2, search.PerTerm[0].Count)
	assert.Equal(t, 2, search.PerTerm[1].Count)
}

func TestStructuredTermsAreORGroups(t *testing.T) {
	content := strings.Join([]string{
		"google.com, pub-1, DIRECT",
		"appnexus.com, 42, RESELLER",
		"rubicon.com, 7, DIRECT",
	}, "\n")

	terms := []Term{
		mustStructured(t, "google.com", "", "direct", ""),
		mustStructured(t, "appnexus.com", "42", "", ""),
	}
	_, search := Analyse(content, terms, 0)
	require.NotNil(t, search)

	// either structured group may match a line
	assert.Equal(t, 2, search.Count)
	assert.Equal(t, 1, search.PerTerm[0].Count)
	assert.Equal(t, 1, search.PerTerm[1].Count)
}

func TestStructuredGroupRequiresAllSubfields(t *testing.T) {
	content := "google.com, pub-1, RESELLER"

	// domain matches but relationship does not
	terms := []Term{mustStructured(t, "google.com", "", "direct", "")}
	_, search := Analyse(content, terms, 0)
	assert.Equal(t, 0, search.Count)
}

func TestMixedPlainAndStructured(t *testing.T) {
	content := strings.Join([]string{
		"google.com, pub-1, DIRECT",
		"openx.com, 9, RESELLER",
	}, "\n")

	terms := []Term{
		mustPlain(t, "openx.com"),
		mustStructured(t, "google.com", "", "", ""),
	}
	_, search := Analyse(content, terms, 0)

	// plain group matches line 2, structured group line 1
	assert.Equal(t, 2, search.Count)
}

func TestMatchingCaseInsensitive(t *testing.T) {
	content := "GOOGLE.COM, PUB-1234567, DIRECT"
	_, search := Analyse(content, []Term{mustPlain(t, "google.com")}, 0)
	assert.Equal(t, 1, search.Count)
}

func TestTruncationPreservesOriginalCount(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 1500; i++ {
		fmt.Fprintf(&sb, "google.com, pub-%d, DIRECT\n", i)
	}

	_, search := Analyse(sb.String(), []Term{mustPlain(t, "google.com")}, 1000)
	assert.True(t, search.Truncated)
	assert.Len(t, search.MatchingLines, 1000)
	assert.Equal(t, 1500, search.Count)
	assert.Equal(t, 1500, search.OriginalCount)

	// per-term limit applies independently
	assert.True(t, search.PerTerm[0].Truncated)
	assert.Len(t, search.PerTerm[0].MatchingLines, MaxMatchesPerTerm)
	assert.Equal(t, 1500, search.PerTerm[0].OriginalCount)
}

func TestReducedLimitUnderPressure(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 800; i++ {
		fmt.Fprintf(&sb, "google.com, pub-%d, DIRECT\n", i)
	}

	_, search := Analyse(sb.String(), []Term{mustPlain(t, "google.com")}, MaxMatchesPressured)
	assert.True(t, search.Truncated)
	assert.Len(t, search.MatchingLines, MaxMatchesPressured)
	assert.Equal(t, 800, search.OriginalCount)
}

func TestNoTermsYieldsNoSearch(t *testing.T) {
	_, search := Analyse("google.com, pub-1, DIRECT", nil, 0)
	assert.Nil(t, search)
}

func TestTermLabel(t *testing.T) {
	assert.Equal(t, "google.com", mustPlain(t, "google.com").Label())
	st := mustStructured(t, "google.com", "pub-1", "direct", "")
	assert.Equal(t, "google.com,pub-1,direct", st.Label())
}
