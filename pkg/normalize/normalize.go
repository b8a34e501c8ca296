package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/atticlabs/attic/internal/util"
	"github.com/atticlabs/attic/pkg/common"
)

// RawRecord is one semi-structured record as handed over by a provider
// connector. Every record carries at least a provider-native id and a
// last-modified indicator; everything else is provider-specific.
type RawRecord map[string]any

// Draft is a normalized but not yet resolved entity. It carries everything
// the identity resolver needs: the canonical attribute set, the content
// fingerprint, the union-ready timestamps and the single provenance entry
// describing which provider record produced it.
type Draft struct {
	Kind        common.Kind
	Fingerprint string
	Attributes  map[string]any
	Timestamps  []common.SourcedTimestamp
	Provenance  common.ProvenanceEntry
	// ParentRef is the provider-native id of an explicitly named container
	// (folder, thread, calendar), if any. The relationship builder turns it
	// into a ContainedIn edge.
	ParentRef string
	// AuthorRef is the normalized author identity, if the provider states one.
	AuthorRef string
	// Refs are provider-native ids of records this one explicitly points at
	// (attachments, linked documents). They become RefersTo edges.
	Refs []string
	// Deleted marks a record the provider reports as removed.
	Deleted bool
}

// NormalizationError describes a raw record that could not be mapped into
// the canonical model. Such records are quarantined and surfaced by the
// sync coordinator, never silently dropped.
type NormalizationError struct {
	Provider string
	Kind     common.Kind
	NativeID string
	Reason   string
	Err      error
}

func (e *NormalizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("normalize %s record %q from %s: %s: %v", e.Kind, e.NativeID, e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("normalize %s record %q from %s: %s", e.Kind, e.NativeID, e.Provider, e.Reason)
}

func (e *NormalizationError) Unwrap() error {
	return e.Err
}

// Normalize maps one raw provider record into a canonical entity draft.
//
// The mapping is deterministic: identical content yields an identical
// fingerprint regardless of the provider it came from, the ordering of raw
// fields, or provider noise metadata. Required fields are enforced per kind
// via JSON Schema; violations return a *NormalizationError. A record marked
// deleted is exempt from the per-kind required fields: many providers echo
// only the native id on deletion, and such a marker becomes a sparse
// tombstone draft without a fingerprint (the resolver matches it by
// provenance instead).
//
// Normalize never touches storage.
func Normalize(raw RawRecord, provider string, kind common.Kind) (*Draft, error) {
	nativeID, _ := stringField(raw, "native_id")
	deleted := boolField(raw, "deleted")

	fail := func(reason string, err error) (*Draft, error) {
		return nil, &NormalizationError{
			Provider: provider,
			Kind:     kind,
			NativeID: nativeID,
			Reason:   reason,
			Err:      err,
		}
	}

	if provider == "" {
		return fail("provider tag is empty", nil)
	}
	if nativeID == "" {
		return fail("missing native_id", nil)
	}

	provenance := common.ProvenanceEntry{
		Provider: provider,
		NativeID: nativeID,
		SeenAt:   time.Now().UTC(),
	}

	if err := validateKind(kind, raw); err != nil {
		if deleted {
			return sparseTombstone(raw, provider, kind, provenance), nil
		}
		return fail("schema validation failed", err)
	}

	attrs, err := canonicalAttributes(kind, raw)
	if err != nil {
		if deleted {
			return sparseTombstone(raw, provider, kind, provenance), nil
		}
		return fail("malformed attributes", err)
	}

	draft := &Draft{
		Kind:       kind,
		Attributes: attrs,
		Timestamps: extractTimestamps(raw, provider),
		Provenance: provenance,
		Deleted:    deleted,
	}
	draft.ParentRef, _ = stringField(raw, "parent_ref")
	draft.AuthorRef = normalizeIdentity(raw["author"])
	draft.Refs = refList(raw["refs"])
	draft.Fingerprint = Fingerprint(kind, attrs)

	return draft, nil
}

// sparseTombstone builds the draft for a delete marker that carries no
// content. Its fingerprint stays empty, so only a provenance match can
// apply it.
func sparseTombstone(raw RawRecord, provider string, kind common.Kind, provenance common.ProvenanceEntry) *Draft {
	return &Draft{
		Kind:       kind,
		Attributes: map[string]any{},
		Timestamps: extractTimestamps(raw, provider),
		Provenance: provenance,
		Deleted:    true,
	}
}

// Fingerprint computes the deterministic content hash for a kind and its
// canonical attribute set: SHA-256 over the canonical JSON serialization
// (sorted keys, no provider metadata).
func Fingerprint(kind common.Kind, attrs map[string]any) string {
	basis := fingerprintBasis(kind, attrs)
	// encoding/json sorts map keys, which makes the serialization
	// independent of raw field ordering.
	payload, err := json.Marshal(map[string]any{
		"kind":  string(kind),
		"attrs": basis,
	})
	if err != nil {
		// Canonical attributes are built from plain strings and numbers;
		// marshal cannot fail for them.
		panic(fmt.Sprintf("fingerprint marshal: %v", err))
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// fingerprintBasis picks the attributes that define content identity for a
// kind. A file with a provider content hash is identified by its bytes
// alone, so the same bytes under different names or paths dedupe into one
// entity.
func fingerprintBasis(kind common.Kind, attrs map[string]any) map[string]any {
	switch kind {
	case common.KindFile:
		if h, ok := attrs["content_hash"].(string); ok && h != "" {
			return map[string]any{"content_hash": h}
		}
		return map[string]any{
			"name": attrs["name"],
			"size": attrs["size"],
		}
	default:
		return attrs
	}
}

func canonicalAttributes(kind common.Kind, raw RawRecord) (map[string]any, error) {
	switch kind {
	case common.KindFile:
		attrs := map[string]any{}
		name, _ := stringField(raw, "name")
		attrs["name"] = strings.ToLower(strings.TrimSpace(name))
		size, ok := numericField(raw, "size")
		if !ok {
			return nil, fmt.Errorf("size is not numeric")
		}
		attrs["size"] = int64(size)
		if h, ok := stringField(raw, "content_hash"); ok && h != "" {
			attrs["content_hash"] = strings.ToLower(h)
		}
		if p, ok := stringField(raw, "path"); ok {
			attrs["path"] = p
		}
		if m, ok := stringField(raw, "mime_type"); ok {
			attrs["mime_type"] = strings.ToLower(m)
		}
		return attrs, nil

	case common.KindEvent:
		attrs := map[string]any{}
		title, _ := stringField(raw, "title")
		attrs["title"] = collapseWhitespace(title)
		start, err := timeField(raw, "start")
		if err != nil {
			return nil, err
		}
		attrs["start"] = start.UTC().Format(time.RFC3339)
		if end, err := timeField(raw, "end"); err == nil {
			attrs["end"] = end.UTC().Format(time.RFC3339)
		}
		attrs["participants"] = normalizeParticipants(raw["participants"])
		if loc, ok := stringField(raw, "location"); ok {
			attrs["location"] = collapseWhitespace(loc)
		}
		if body, ok := stringField(raw, "description"); ok {
			attrs["description"] = collapseWhitespace(body)
		}
		return attrs, nil

	case common.KindMessage:
		attrs := map[string]any{}
		sender := normalizeIdentity(raw["sender"])
		if sender == "" {
			return nil, fmt.Errorf("sender is empty")
		}
		attrs["sender"] = sender
		body, _ := stringField(raw, "body")
		attrs["body"] = collapseWhitespace(body)
		if thread, ok := stringField(raw, "thread_ref"); ok {
			attrs["thread_ref"] = thread
		}
		sent, err := timeField(raw, "sent_at")
		if err != nil {
			return nil, err
		}
		attrs["sent_at"] = sent.UTC().Format(time.RFC3339)
		return attrs, nil

	case common.KindLocationSample:
		attrs := map[string]any{}
		lat, ok := numericField(raw, "latitude")
		if !ok {
			return nil, fmt.Errorf("latitude is not numeric")
		}
		lon, ok := numericField(raw, "longitude")
		if !ok {
			return nil, fmt.Errorf("longitude is not numeric")
		}
		// ~1m resolution; finer digits are receiver jitter, not content.
		attrs["latitude"] = roundCoord(lat)
		attrs["longitude"] = roundCoord(lon)
		observed, err := timeField(raw, "observed_at")
		if err != nil {
			return nil, err
		}
		attrs["observed_at"] = observed.UTC().Truncate(time.Second).Format(time.RFC3339)
		if src, ok := stringField(raw, "method"); ok {
			attrs["method"] = strings.ToLower(src)
		}
		return attrs, nil

	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
}

func extractTimestamps(raw RawRecord, provider string) []common.SourcedTimestamp {
	labels := []struct {
		field string
		label common.TimestampLabel
	}{
		{"created_at", common.TimestampCreated},
		{"modified_at", common.TimestampModified},
		{"observed_at", common.TimestampObserved},
		{"changed_at", common.TimestampChanged},
	}

	var out []common.SourcedTimestamp
	for _, l := range labels {
		if ts, err := timeField(raw, l.field); err == nil {
			out = append(out, common.SourcedTimestamp{
				Label:    l.label,
				Value:    ts.UTC(),
				Provider: provider,
			})
		}
	}
	return out
}

func normalizeParticipants(v any) []string {
	items, ok := v.([]any)
	if !ok {
		if ss, ok := v.([]string); ok {
			items = make([]any, len(ss))
			for i, s := range ss {
				items[i] = s
			}
		}
	}

	seen := map[string]bool{}
	out := make([]string, 0, len(items))
	for _, item := range items {
		p := normalizeIdentity(item)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// normalizeIdentity lowercases and trims an identity string such as an
// email address or account handle.
func normalizeIdentity(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(s))
}

func refList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		if ss, ok := v.([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func collapseWhitespace(s string) string {
	return util.SanitizePostgresText(strings.Join(strings.Fields(s), " "))
}

func roundCoord(v float64) float64 {
	return math.Round(v*1e5) / 1e5
}

func stringField(raw RawRecord, key string) (string, bool) {
	v, ok := raw[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func boolField(raw RawRecord, key string) bool {
	v, ok := raw[key].(bool)
	return ok && v
}

func numericField(raw RawRecord, key string) (float64, bool) {
	switch v := raw[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func timeField(raw RawRecord, key string) (time.Time, error) {
	v, ok := raw[key]
	if !ok {
		return time.Time{}, fmt.Errorf("missing %s", key)
	}
	switch t := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse %s: %w", key, err)
		}
		return parsed, nil
	case time.Time:
		return t, nil
	case float64:
		return time.Unix(int64(t), 0).UTC(), nil
	case int64:
		return time.Unix(t, 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("%s has unsupported type %T", key, v)
	}
}
