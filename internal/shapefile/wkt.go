package shapefile

import (
	"strconv"
	"strings"
)

// WKT encodes a geometry record in well-known text, the representation the
// destination sink expects for geography values. Null-kind records encode as
// the empty string (stored as NULL downstream). Z values are carried when
// present; M values are dropped, since nothing downstream reads measures.
func WKT(g *GeometryRecord) string {
	if g == nil || g.Kind == KindNull || len(g.Coords) == 0 {
		return ""
	}

	var sb strings.Builder
	switch g.Kind {
	case KindPoint:
		sb.WriteString("POINT ")
		if g.HasZ {
			sb.WriteString("Z ")
		}
		sb.WriteByte('(')
		writeCoord(&sb, g.Coords[0], g.HasZ)
		sb.WriteByte(')')

	case KindMultipoint:
		sb.WriteString("MULTIPOINT ")
		if g.HasZ {
			sb.WriteString("Z ")
		}
		sb.WriteByte('(')
		for i, c := range g.Coords {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteByte('(')
			writeCoord(&sb, c, g.HasZ)
			sb.WriteByte(')')
		}
		sb.WriteByte(')')

	case KindPolyLine:
		parts := partRanges(g)
		if len(parts) == 1 {
			sb.WriteString("LINESTRING ")
			if g.HasZ {
				sb.WriteString("Z ")
			}
			writeRing(&sb, g.Coords, g.HasZ)
		} else {
			sb.WriteString("MULTILINESTRING ")
			if g.HasZ {
				sb.WriteString("Z ")
			}
			sb.WriteByte('(')
			for i, pr := range parts {
				if i > 0 {
					sb.WriteString(", ")
				}
				writeRing(&sb, g.Coords[pr[0]:pr[1]], g.HasZ)
			}
			sb.WriteByte(')')
		}

	case KindPolygon:
		sb.WriteString("POLYGON ")
		if g.HasZ {
			sb.WriteString("Z ")
		}
		sb.WriteByte('(')
		for i, pr := range partRanges(g) {
			if i > 0 {
				sb.WriteString(", ")
			}
			writeRing(&sb, g.Coords[pr[0]:pr[1]], g.HasZ)
		}
		sb.WriteByte(')')
	}
	return sb.String()
}

// partRanges converts the part offset array to [start, end) index pairs.
func partRanges(g *GeometryRecord) [][2]int {
	if len(g.Parts) == 0 {
		return [][2]int{{0, len(g.Coords)}}
	}
	ranges := make([][2]int, len(g.Parts))
	for i, start := range g.Parts {
		end := len(g.Coords)
		if i+1 < len(g.Parts) {
			end = int(g.Parts[i+1])
		}
		ranges[i] = [2]int{int(start), end}
	}
	return ranges
}

func writeRing(sb *strings.Builder, coords []Coord, hasZ bool) {
	sb.WriteByte('(')
	for i, c := range coords {
		if i > 0 {
			sb.WriteString(", ")
		}
		writeCoord(sb, c, hasZ)
	}
	sb.WriteByte(')')
}

func writeCoord(sb *strings.Builder, c Coord, hasZ bool) {
	sb.WriteString(strconv.FormatFloat(c.X, 'f', -1, 64))
	sb.WriteByte(' ')
	sb.WriteString(strconv.FormatFloat(c.Y, 'f', -1, 64))
	if hasZ {
		sb.WriteByte(' ')
		sb.WriteString(strconv.FormatFloat(c.Z, 'f', -1, 64))
	}
}
