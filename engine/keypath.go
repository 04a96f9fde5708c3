package engine

import (
	"strings"

	"gopkg.in/mgo.v2/bson"

	"wren/key"
)

// ExtractKey walks a dotted key path through a decoded record and
// converts the field it lands on into a Key. Records that do not reach
// a keyable field simply have no entry in the index.
func ExtractKey(value any, keyPath string) (key.Key, bool) {
	cur := value
	for _, part := range strings.Split(keyPath, ".") {
		m, ok := asMap(cur)
		if !ok {
			return key.Key{}, false
		}
		cur, ok = m[part]
		if !ok {
			return key.Key{}, false
		}
	}
	return key.FromValue(cur)
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case bson.M:
		return m, true
	}
	return nil, false
}
