package studio

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ev(seq int64, kind ChangeKind, path, payload string) ChangeEvent {
	e := ChangeEvent{Sequence: seq, Kind: kind, TargetPath: path}
	if payload != "" {
		e.Payload = json.RawMessage(payload)
	}
	return e
}

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"/prompts/0":   "/prompts/0",
		"//prompts//0/": "/prompts/0",
		"/":            "/",
		"///":          "/",
	}
	for in, want := range cases {
		got, err := CanonicalPath(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"prompts/0", "", "/tools/../x", "/./a"} {
		_, err := CanonicalPath(bad)
		assert.ErrorIs(t, err, ErrInvalidIntent, bad)
	}
}

func TestDocumentLastWriterWins(t *testing.T) {
	doc := NewDocument()
	doc.Apply(ev(1, KindComponentUpdate, "/prompts/0", `"v1"`))
	doc.Apply(ev(2, KindComponentUpdate, "/prompts/0", `"v2"`))

	v, ok := doc.Get("/prompts/0")
	require.True(t, ok)
	assert.JSONEq(t, `"v2"`, string(v))
}

func TestDocumentDeleteThenUpdateRecreates(t *testing.T) {
	doc := NewDocument()
	doc.Apply(ev(1, KindComponentCreate, "/tools/2", `{"name":"search"}`))
	assert.True(t, doc.Apply(ev(2, KindComponentDelete, "/tools/2", "")))
	_, ok := doc.Get("/tools/2")
	require.False(t, ok)

	doc.Apply(ev(3, KindComponentUpdate, "/tools/2", `{"name":"browse"}`))
	v, ok := doc.Get("/tools/2")
	require.True(t, ok)
	assert.JSONEq(t, `{"name":"browse"}`, string(v))
}

func TestDocumentDeleteAbsentIsNoop(t *testing.T) {
	doc := NewDocument()
	doc.Apply(ev(1, KindComponentCreate, "/policies/a", `true`))
	before := doc.Digest()

	assert.False(t, doc.Apply(ev(2, KindComponentDelete, "/tools/9", "")))
	assert.Equal(t, before, doc.Digest())
}

func TestDocumentDeleteRemovesSubtree(t *testing.T) {
	doc := NewDocument()
	doc.Apply(ev(1, KindComponentCreate, "/tools", `[]`))
	doc.Apply(ev(2, KindComponentCreate, "/tools/0", `"a"`))
	doc.Apply(ev(3, KindComponentCreate, "/tools/0/config", `{}`))
	doc.Apply(ev(4, KindComponentCreate, "/toolsets", `"keep"`))

	doc.Apply(ev(5, KindComponentDelete, "/tools", ""))

	assert.Equal(t, 1, doc.Len())
	_, ok := doc.Get("/toolsets")
	assert.True(t, ok)
}

func TestReplayMatchesIncrementalApply(t *testing.T) {
	events := []ChangeEvent{
		ev(1, KindAgentUpdate, "/", `{"name":"triage"}`),
		ev(2, KindComponentCreate, "/prompts/0", `"hello"`),
		ev(3, KindComponentCreate, "/tools/2", `"x"`),
		ev(4, KindComponentDelete, "/tools/2", ""),
		ev(5, KindComponentDelete, "/tools/2", ""),
		ev(6, KindComponentUpdate, "/tools/2", `"y"`),
	}
	live := NewDocument()
	for _, e := range events {
		live.Apply(e)
	}

	replayed := Replay(nil, events)
	assert.Equal(t, live.Entries(), replayed.Entries())
	assert.Equal(t, live.Digest(), replayed.Digest())

	// replaying the tail on top of a prefix gives the same result
	prefix := Replay(nil, events[:3])
	assert.Equal(t, live.Digest(), Replay(prefix, events[3:]).Digest())
}

func TestDigestIgnoresWhitespace(t *testing.T) {
	a := NewDocument()
	a.Apply(ev(1, KindComponentCreate, "/p", `{"a": 1}`))
	b := NewDocument()
	b.Apply(ev(1, KindComponentCreate, "/p", `{"a":1}`))
	assert.Equal(t, a.Digest(), b.Digest())
}

func TestCloneIsIndependent(t *testing.T) {
	doc := NewDocument()
	doc.Apply(ev(1, KindComponentCreate, "/p", `"a"`))
	c := doc.Clone()
	doc.Apply(ev(2, KindComponentUpdate, "/p", `"b"`))

	v, _ := c.Get("/p")
	assert.JSONEq(t, `"a"`, string(v))
}
