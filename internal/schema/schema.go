// Package schema proposes destination column lists from shapefile attribute
// metadata. It performs no I/O: inference reads only the .dbf field
// descriptors and the session's detected geometry type, never the attribute
// values themselves.
package schema

import (
	"strconv"
	"strings"
	"unicode"

	"shapelake/internal/domain"
	"shapelake/internal/shapefile"
)

// geometryColumn is the base name of the implicit geometry column appended to
// every schema.
const geometryColumn = "geometry"

// Infer proposes a destination schema from the .dbf field descriptors. One
// implicit geometry column is always appended, nullable only when Null-kind
// records were observed in the bundle.
func Infer(fields []shapefile.FieldDescriptor, hasNullShapes bool) []domain.SchemaField {
	names := newNameSet()
	out := make([]domain.SchemaField, 0, len(fields)+1)
	for _, f := range fields {
		out = append(out, domain.SchemaField{
			Name:         names.claim(Sanitize(f.Name)),
			SourceField:  f.Name,
			Type:         f.SemanticType(),
			Nullable:     true,
			AutoDetected: true,
		})
	}
	out = append(out, domain.SchemaField{
		Name:         names.claim(geometryColumn),
		Type:         domain.FieldGeometry,
		Nullable:     hasNullShapes,
		AutoDetected: true,
	})
	return out
}

// ApplyManual resolves a caller-supplied schema against the bundle's field
// descriptors. Manual is authoritative, not additive: auto-detected fields
// absent from the manual list are dropped, but the implicit geometry column
// is still enforced to exist. A manual field referencing a source field the
// .dbf does not declare is a schema conflict.
func ApplyManual(manual []domain.SchemaField, fields []shapefile.FieldDescriptor, hasNullShapes bool) ([]domain.SchemaField, error) {
	known := make(map[string]bool, len(fields))
	for _, f := range fields {
		known[f.Name] = true
	}

	names := newNameSet()
	out := make([]domain.SchemaField, 0, len(manual)+1)
	haveGeometry := false
	for _, m := range manual {
		if m.Type == domain.FieldGeometry {
			if haveGeometry {
				return nil, domain.ErrSchemaConflict("manual schema declares more than one geometry column")
			}
			haveGeometry = true
			out = append(out, domain.SchemaField{
				Name:     names.claim(Sanitize(m.Name)),
				Type:     domain.FieldGeometry,
				Nullable: m.Nullable,
			})
			continue
		}

		source := m.SourceField
		if source == "" {
			source = m.Name
		}
		if !known[source] {
			return nil, domain.ErrSchemaConflict("manual field %q references source field %q not present in the bundle", m.Name, source)
		}
		out = append(out, domain.SchemaField{
			Name:        names.claim(Sanitize(m.Name)),
			SourceField: source,
			Type:        m.Type,
			Nullable:    m.Nullable,
		})
	}

	if !haveGeometry {
		out = append(out, domain.SchemaField{
			Name:     names.claim(geometryColumn),
			Type:     domain.FieldGeometry,
			Nullable: hasNullShapes,
		})
	}
	return out, nil
}

// Sanitize maps a field name to a destination column identifier: lower-case,
// non-alphanumeric runes become underscores, and a leading digit gets an
// "f_" prefix.
func Sanitize(name string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(name) {
		if unicode.IsLower(r) || unicode.IsDigit(r) || r == '_' {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('_')
		}
	}
	s := sb.String()
	if s == "" {
		s = "field"
	}
	if s[0] >= '0' && s[0] <= '9' {
		s = "f_" + s
	}
	return s
}

// nameSet resolves post-sanitization collisions deterministically: the first
// claimant keeps the name, later ones get a numeric suffix in first-seen
// order.
type nameSet struct {
	seen map[string]int
}

func newNameSet() *nameSet {
	return &nameSet{seen: make(map[string]int)}
}

func (n *nameSet) claim(name string) string {
	count := n.seen[name]
	n.seen[name] = count + 1
	if count == 0 {
		return name
	}
	// Suffixed names can themselves collide with declared fields; claim
	// recursively so the result stays unique.
	return n.claim(name + "_" + strconv.Itoa(count+1))
}
