package conflict

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, FormatTOML, DetectFormat(".config/starship.toml"))
	assert.Equal(t, FormatJSON, DetectFormat("settings.JSON"))
	assert.Equal(t, FormatYAML, DetectFormat("a.yml"))
	assert.Equal(t, FormatRaw, DetectFormat(".gitconfig"))
}

func TestCompose_TOML(t *testing.T) {
	team := []byte(`
[user]
org = "acme"
editor = "vim"

[core]
autocrlf = false
`)
	personal := []byte(`
[user]
editor = "nvim"
name = "sam"
`)
	out, err := Compose(team, personal, FormatTOML)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, toml.Unmarshal(out, &doc))
	user := doc["user"].(map[string]any)
	assert.Equal(t, "acme", user["org"])
	assert.Equal(t, "nvim", user["editor"], "personal wins")
	assert.Equal(t, "sam", user["name"])
	assert.Equal(t, false, doc["core"].(map[string]any)["autocrlf"])
}

func TestCompose_JSONArraysReplaced(t *testing.T) {
	team := []byte(`{"plugins": ["a", "b"], "theme": {"name": "dark", "size": 12}}`)
	personal := []byte(`{"plugins": ["c"], "theme": {"size": 14}}`)

	out, err := Compose(team, personal, FormatJSON)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, []any{"c"}, doc["plugins"])
	theme := doc["theme"].(map[string]any)
	assert.Equal(t, "dark", theme["name"])
	assert.EqualValues(t, 14, theme["size"])
}

func TestCompose_YAML(t *testing.T) {
	out, err := Compose([]byte("a: 1\nb:\n  c: 2\n"), []byte("b:\n  d: 3\n"), FormatYAML)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(out, &doc))
	assert.Equal(t, 1, doc["a"])
	assert.Equal(t, map[string]any{"c": 2, "d": 3}, doc["b"])
}

func TestCompose_RawAndEmptyLayers(t *testing.T) {
	out, err := Compose([]byte("team"), []byte("personal"), FormatRaw)
	require.NoError(t, err)
	assert.Equal(t, "personal", string(out))

	out, err = Compose([]byte("team"), nil, FormatTOML)
	require.NoError(t, err)
	assert.Equal(t, "team", string(out))

	_, err = Compose([]byte("{"), []byte(`{"a":1}`), FormatJSON)
	assert.Error(t, err)
}

func TestAttribute(t *testing.T) {
	assert.Equal(t, LayerNone, Attribute("t0", "t0", "p0", "p0"))
	assert.Equal(t, LayerTeam, Attribute("t0", "t1", "p0", "p0"))
	assert.Equal(t, LayerPersonal, Attribute("t0", "t0", "p0", "p1"))
	assert.Equal(t, LayerBoth, Attribute("t0", "t1", "p0", "p1"))
}
