package streamclient

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Tests for the envelope parser: object extraction, heartbeats, escapes,
// chunk boundaries and early close.

const sampleEnvelope = `{"success":true,"results":[` +
	`{"bundleId":"com.a","success":true,"nested":{"x":[1,2,{"y":"}"}]}}` +
	`/* heartbeat */` +
	`,{"bundleId":"com.b","success":false,"error":{"kind":"UpstreamFetchFailed","message":"quote \" and brace { inside"}}` +
	`,/* heartbeat */{"bundleId":"com.c","success":true}` +
	`],"totalProcessed":3,"successCount":2,"errorCount":1}`

func feedAll(t *testing.T, p *Parser, data string, chunk int) []json.RawMessage {
	t.Helper()
	var out []json.RawMessage
	for i := 0; i < len(data); i += chunk {
		end := i + chunk
		if end > len(data) {
			end = len(data)
		}
		objs, err := p.Feed([]byte(data[i:end]))
		require.NoError(t, err)
		out = append(out, objs...)
	}
	return out
}

func TestParseWholeEnvelope(t *testing.T) {
	p := NewParser()
	objs := feedAll(t, p, sampleEnvelope, len(sampleEnvelope))

	require.Len(t, objs, 3)
	assert.True(t, p.Done())
	assert.Equal(t, 3, p.Objects())

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal(objs[0], &first))
	assert.Equal(t, "com.a", first["bundleId"])

	trailer, err := p.Trailer()
	require.NoError(t, err)
	var total int
	require.NoError(t, json.Unmarshal(trailer["totalProcessed"], &total))
	assert.Equal(t, 3, total)
}

// The parser must produce identical results no matter how the bytes are
// sliced into chunks.
func TestParseAnyChunking(t *testing.T) {
	for _, chunk := range []int{1, 2, 3, 5, 7, 16, 64} {
		p := NewParser()
		objs := feedAll(t, p, sampleEnvelope, chunk)
		require.Len(t, objs, 3, "chunk size %d", chunk)
		require.True(t, p.Done(), "chunk size %d", chunk)

		var second map[string]interface{}
		require.NoError(t, json.Unmarshal(objs[1], &second))
		assert.Equal(t, "com.b", second["bundleId"])
	}
}

func TestStringEscapesRespected(t *testing.T) {
	// braces and escaped quotes inside string literals must not confuse
	// the depth tracker
	envelope := `{"success":true,"results":[{"v":"a\\","w":"{[\"}"}],"totalProcessed":1}`
	p := NewParser()
	objs := feedAll(t, p, envelope, 1)
	require.Len(t, objs, 1)
	assert.True(t, p.Done())
}

func TestHeartbeatOnlyThenClose(t *testing.T) {
	envelope := `{"success":true,"results":[/* heartbeat *//* heartbeat */],"totalProcessed":0}`
	p := NewParser()
	objs := feedAll(t, p, envelope, 4)
	assert.Empty(t, objs)
	assert.True(t, p.Done())

	trailer, err := p.Trailer()
	require.NoError(t, err)
	var total int
	require.NoError(t, json.Unmarshal(trailer["totalProcessed"], &total))
	assert.Equal(t, 0, total)
}

func TestEarlyCloseKeepsExtractedObjects(t *testing.T) {
	// connection drops mid-second-object
	partial := `{"success":true,"results":[{"bundleId":"com.a"},{"bundle`
	p := NewParser()
	objs := feedAll(t, p, partial, 8)

	require.Len(t, objs, 1)
	assert.False(t, p.Done())
	_, err := p.Trailer()
	assert.Error(t, err)
}

func TestMalformedGapByte(t *testing.T) {
	p := NewParser()
	_, err := p.Feed([]byte(`{"success":true,"results":[xyz]}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestBareStringValuesCSVVariant(t *testing.T) {
	envelope := `{"success":true,"results":["a,b,true"/* heartbeat */,"c,d,false"],"totalProcessed":2}`
	for _, chunk := range []int{1, 5, len(envelope)} {
		p := NewParser()
		objs := feedAll(t, p, envelope, chunk)
		assert.Empty(t, objs, "chunk %d", chunk)
		require.True(t, p.Done(), "chunk %d", chunk)
		assert.Equal(t, []string{"a,b,true", "c,d,false"}, p.StringValues())
		assert.Equal(t, 2, p.Objects())
	}
}

func TestObjectsSurfaceAsSoonAsComplete(t *testing.T) {
	p := NewParser()
	head := `{"success":true,"results":[{"bundleId":"com.a"}`
	objs, err := p.Feed([]byte(head))
	require.NoError(t, err)
	require.Len(t, objs, 1, "first object must surface before the stream ends")

	objs, err = p.Feed([]byte(`,{"bundleId":"com.b"}],"totalProcessed":2}`))
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.True(t, p.Done())
}
