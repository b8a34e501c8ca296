package semantic

import (
	"strings"

	"github.com/atticlabs/attic/pkg/common"
)

// EmbeddableText builds the text an entity is embedded from. Location
// samples carry no text and always come back empty.
func EmbeddableText(entity *common.CanonicalEntity) string {
	attrs := entity.Attributes
	var parts []string
	add := func(keys ...string) {
		for _, key := range keys {
			if s, ok := attrs[key].(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
	}

	switch entity.Kind {
	case common.KindFile:
		add("name", "path", "mime_type")
	case common.KindEvent:
		add("title", "description", "location")
		for _, p := range participantList(attrs["participants"]) {
			parts = append(parts, p)
		}
	case common.KindMessage:
		add("body", "sender")
	}

	return strings.TrimSpace(strings.Join(parts, "\n"))
}

func participantList(v any) []string {
	switch items := v.(type) {
	case []string:
		return items
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
