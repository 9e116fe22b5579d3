package config

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/magiconair/properties"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// propertiesFormat is the viper config type of DefaultFileName.
const propertiesFormat = "properties"

// propertiesCodec reads and writes Java-style properties files. Dotted keys
// become nested maps so viper resolves "kafka.sdk.bootstrap" the same way it
// does for YAML or TOML sources.
type propertiesCodec struct{}

var _ viper.Codec = propertiesCodec{}

func (propertiesCodec) Decode(b []byte, v map[string]any) error {
	p, err := properties.Load(b, properties.UTF8)
	if err != nil {
		return err
	}

	for _, key := range p.Keys() {
		value, _ := p.Get(key)

		path := strings.Split(strings.ToLower(key), ".")
		node := v

		for _, part := range path[:len(path)-1] {
			next, ok := node[part].(map[string]any)
			if !ok {
				if _, leaf := node[part]; leaf {
					return fmt.Errorf("properties: key %q conflicts with %q", key, part)
				}

				next = make(map[string]any)
				node[part] = next
			}

			node = next
		}

		last := path[len(path)-1]
		if _, ok := node[last].(map[string]any); ok {
			return fmt.Errorf("properties: key %q conflicts with a nested key", key)
		}

		node[last] = value
	}

	return nil
}

func (propertiesCodec) Encode(v map[string]any) ([]byte, error) {
	flat := make(map[string]any)
	flatten(flat, v, "")

	p := properties.NewProperties()

	for _, key := range slices.Sorted(maps.Keys(flat)) {
		if _, _, err := p.Set(key, cast.ToString(flat[key])); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if _, err := p.Write(&buf, properties.UTF8); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func flatten(dst, src map[string]any, prefix string) {
	for k, val := range src {
		key := prefix + k
		if nested, ok := val.(map[string]any); ok {
			flatten(dst, nested, key+".")
			continue
		}

		dst[key] = val
	}
}

func newViper() *viper.Viper {
	codecs := viper.NewCodecRegistry()
	_ = codecs.RegisterCodec(propertiesFormat, propertiesCodec{})

	return viper.NewWithOptions(viper.WithCodecRegistry(codecs))
}
