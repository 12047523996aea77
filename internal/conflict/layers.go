package conflict

import (
	"bytes"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatTOML Format = "toml"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatRaw  Format = "raw"
)

// Layer names the source of a layered entity's change.
type Layer string

const (
	LayerNone     Layer = ""
	LayerTeam     Layer = "team"
	LayerPersonal Layer = "personal"
	LayerBoth     Layer = "team+personal"
)

func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatRaw
}

// Compose applies the personal layer on top of the team layer. Structured formats are
// deep-merged with personal values winning and arrays replaced; other files take the
// personal layer whole when it exists.
func Compose(team, personal []byte, format Format) ([]byte, error) {
	if len(bytes.TrimSpace(personal)) == 0 {
		return team, nil
	}
	if len(bytes.TrimSpace(team)) == 0 || format == FormatRaw {
		return personal, nil
	}

	teamDoc, err := decode(team, format)
	if err != nil {
		return nil, errors.Wrap(err, "team layer")
	}
	personalDoc, err := decode(personal, format)
	if err != nil {
		return nil, errors.Wrap(err, "personal layer")
	}
	return encode(deepMerge(teamDoc, personalDoc), format)
}

// Attribute reports which layer moved away from its baseline fingerprint.
func Attribute(teamBase, team, personalBase, personal string) Layer {
	teamChanged := teamBase != team
	personalChanged := personalBase != personal
	switch {
	case teamChanged && personalChanged:
		return LayerBoth
	case teamChanged:
		return LayerTeam
	case personalChanged:
		return LayerPersonal
	}
	return LayerNone
}

func deepMerge(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		if bv, ok := out[k].(map[string]any); ok {
			if ov, ok := v.(map[string]any); ok {
				out[k] = deepMerge(bv, ov)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func decode(data []byte, format Format) (map[string]any, error) {
	doc := map[string]any{}
	var err error
	switch format {
	case FormatTOML:
		err = toml.Unmarshal(data, &doc)
	case FormatJSON:
		err = json.Unmarshal(data, &doc)
	case FormatYAML:
		err = yaml.Unmarshal(data, &doc)
	default:
		return nil, errors.Newf("format %s is not structured", format)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", format)
	}
	return doc, nil
}

func encode(doc map[string]any, format Format) ([]byte, error) {
	switch format {
	case FormatTOML:
		return toml.Marshal(doc)
	case FormatJSON:
		out, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(out, '\n'), nil
	case FormatYAML:
		return yaml.Marshal(doc)
	}
	return nil, errors.Newf("format %s is not structured", format)
}
