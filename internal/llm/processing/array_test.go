package processing

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const geminiArray = `[{
  "candidates": [{"content": {"parts": [{"text": "Hello {world}"}], "role": "model"}}]
}
,
{
  "candidates": [{"content": {"parts": [{"text": "quote \" and \\ slash }"}]}, "finishReason": "STOP"}],
  "usageMetadata": {"promptTokenCount": 4, "candidatesTokenCount": 6, "totalTokenCount": 10}
}
]`

func TestArrayParser_WholeResponse(t *testing.T) {
	p := NewArrayParser()
	objs := p.ParseChunk([]byte(geminiArray))

	require.Len(t, objs, 2)
	assert.Contains(t, string(objs[0]), "Hello {world}")
	assert.Contains(t, string(objs[1]), "usageMetadata")
	assert.False(t, p.InArray())
}

func TestArrayParser_ArbitrarySplitsMatchWhole(t *testing.T) {
	want := NewArrayParser().ParseChunk([]byte(geminiArray))
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		p := NewArrayParser()
		var got [][]byte
		data := []byte(geminiArray)
		for len(data) > 0 {
			n := rng.Intn(len(data)) + 1
			got = append(got, p.ParseChunk(data[:n])...)
			data = data[n:]
		}
		assert.Equal(t, want, got)
	}
}

func TestArrayParser_ByteAtATime(t *testing.T) {
	p := NewArrayParser()
	var got [][]byte
	for _, b := range []byte(geminiArray) {
		got = append(got, p.ParseChunk([]byte{b})...)
	}
	assert.Len(t, got, 2)
}

func TestArrayParser_ErrorSplitAcrossChunks(t *testing.T) {
	p := NewArrayParser()
	var got [][]byte
	for _, part := range []string{`[{"err`, `or":{"code":429,"mess`, `age":"quota"}}]`} {
		got = append(got, p.ParseChunk([]byte(part))...)
	}

	require.Len(t, got, 1)
	assert.JSONEq(t, `{"error":{"code":429,"message":"quota"}}`, string(got[0]))
}

func TestArrayParser_SwallowsInvalidObjects(t *testing.T) {
	p := NewArrayParser()
	objs := p.ParseChunk([]byte(`[{bad json}, padding, {"ok":true}]`))

	require.Len(t, objs, 1)
	assert.JSONEq(t, `{"ok":true}`, string(objs[0]))
}

func TestParseArrayLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{"Opening element", `[{"a":1},`, `{"a":1}`},
		{"Middle element", `,{"a":2}`, `{"a":2}`},
		{"Closing element", `{"a":3}]`, `{"a":3}`},
		{"Whole array on one line", `[{"a":[1,2]}]`, `{"a":[1,2]}`},
		{"Partial object", `{"a":`, ""},
		{"Bracket only", `]`, ""},
		{"Empty", ``, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseArrayLine(tt.line)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}
