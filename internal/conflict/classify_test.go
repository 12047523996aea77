package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		obs  Observation
		want Outcome
	}{
		{"unchanged", Observation{Base: "h0", Local: "h0", Remote: "h0"}, Unchanged},
		{"both absent", Observation{}, Unchanged},
		{"local edit", Observation{Base: "h0", Local: "h1", Remote: "h0"}, LocalOnly},
		{"remote edit", Observation{Base: "h0", Local: "h0", Remote: "h1"}, RemoteOnly},
		{"new local file", Observation{Local: "h1"}, LocalOnly},
		{"new remote file", Observation{Remote: "h1"}, RemoteOnly},
		{"same edit on both", Observation{Base: "h0", Local: "h1", Remote: "h1"}, Convergent},
		{"both added same", Observation{Local: "h1", Remote: "h1"}, Convergent},
		{"divergent edits", Observation{Base: "h0", Local: "h2", Remote: "h1"}, Divergent},
		{"both added differently", Observation{Local: "h1", Remote: "h2"}, Divergent},
		{"local delete remote edit", Observation{Base: "h0", Local: "", Remote: "h1"}, DeleteEdit},
		{"local edit remote delete", Observation{Base: "h0", Local: "h1", Remote: ""}, DeleteEdit},
		{"both deleted", Observation{Base: "h0"}, Convergent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.obs), tt.want.String())
		})
	}
}

func TestMerge_OneSidedConverges(t *testing.T) {
	base := Version{Content: []byte("v0")}
	edited := Version{Content: []byte("v1"), ModifiedAt: time.Unix(100, 0)}

	res := Merge(base, base, edited)
	clean, ok := res.(Clean)
	require.True(t, ok)
	assert.Equal(t, RemoteOnly, clean.Outcome)
	assert.Equal(t, "v1", string(clean.Content))

	res = Merge(base, edited, base)
	clean, ok = res.(Clean)
	require.True(t, ok)
	assert.Equal(t, LocalOnly, clean.Outcome)
	assert.Equal(t, "v1", string(clean.Content))
}

func TestMerge_DivergentIsConflict(t *testing.T) {
	base := Version{Content: []byte("h0")}
	local := Version{Content: []byte("h2")}
	remote := Version{Content: []byte("h1")}

	res := Merge(base, local, remote)
	c, ok := res.(Conflict)
	require.True(t, ok)
	assert.Equal(t, Divergent, c.Outcome)
	assert.Equal(t, base.Fingerprint(), c.Base.Fingerprint())
	assert.Equal(t, local.Fingerprint(), c.Local.Fingerprint())
	assert.Equal(t, remote.Fingerprint(), c.Remote.Fingerprint())
}

func TestVersion_AbsentHasNoFingerprint(t *testing.T) {
	assert.Empty(t, Version{}.Fingerprint())
	assert.False(t, Version{}.Present())
	assert.NotEmpty(t, Version{Content: []byte{}}.Fingerprint(), "empty file is present")
}

func TestMerge_BaselineKnownOnlyByHash(t *testing.T) {
	v0 := []byte("v0")
	base := Version{Sum: Version{Content: v0}.Fingerprint()}
	assert.False(t, base.Present())

	res := Merge(base, Version{Content: v0}, Version{Content: []byte("v1")})
	clean, ok := res.(Clean)
	require.True(t, ok)
	assert.Equal(t, RemoteOnly, clean.Outcome)

	rec := NewRecord("x", "dotfile", Merge(base, Version{Content: []byte("a")}, Version{Content: []byte("b")}).(Conflict))
	assert.Equal(t, base.Sum, rec.Base.Fingerprint)
}
