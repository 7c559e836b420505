package shapefile

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"

	"shapelake/internal/domain"
)

// Shapefile header constants. The file code and file length are the two
// fields historically stored big-endian; every other numeric field is
// little-endian.
const (
	headerSize = 100
	fileCode   = 9994
	shpVersion = 1000
)

// Shape type codes from the ESRI white paper.
const (
	shapeNull        = 0
	shapePoint       = 1
	shapePolyLine    = 3
	shapePolygon     = 5
	shapeMultipoint  = 8
	shapePointZ      = 11
	shapePolyLineZ   = 13
	shapePolygonZ    = 15
	shapeMultipointZ = 18
	shapePointM      = 21
	shapePolyLineM   = 23
	shapePolygonM    = 25
	shapeMultipointM = 28
)

// shapeKind resolves a type code to its base kind and Z/M flags. ok is false
// for unknown or unsupported codes (e.g. MultiPatch).
func shapeKind(code int32) (kind GeometryKind, hasZ, hasM, ok bool) {
	switch code {
	case shapeNull:
		return KindNull, false, false, true
	case shapePoint:
		return KindPoint, false, false, true
	case shapePolyLine:
		return KindPolyLine, false, false, true
	case shapePolygon:
		return KindPolygon, false, false, true
	case shapeMultipoint:
		return KindMultipoint, false, false, true
	case shapePointZ:
		return KindPoint, true, true, true
	case shapePolyLineZ:
		return KindPolyLine, true, true, true
	case shapePolygonZ:
		return KindPolygon, true, true, true
	case shapeMultipointZ:
		return KindMultipoint, true, true, true
	case shapePointM:
		return KindPoint, false, true, true
	case shapePolyLineM:
		return KindPolyLine, false, true, true
	case shapePolygonM:
		return KindPolygon, false, true, true
	case shapeMultipointM:
		return KindMultipoint, false, true, true
	default:
		return "", false, false, false
	}
}

// Header is the decoded 100-byte .shp (or .shx) header.
type Header struct {
	// FileLength is the header-declared total file length in bytes.
	FileLength int64
	ShapeType  int32
	Kind       GeometryKind
	HasZ       bool
	HasM       bool
	Box        [4]float64
}

// Reader streams geometry records from a .shp byte stream.
type Reader struct {
	r        *bufio.Reader
	hdr      Header
	consumed int64
	done     bool
}

// NewReader reads and validates the 100-byte header. size is the actual byte
// count of the component; pass a negative size to skip the declared-length
// check (e.g. when the stream length is unknown).
func NewReader(r io.Reader, size int64) (*Reader, error) {
	hdr, err := readMainHeader(r, size, domain.ComponentSHP)
	if err != nil {
		return nil, err
	}

	kind, hasZ, hasM, ok := shapeKind(hdr.ShapeType)
	if !ok {
		return nil, &domain.UnsupportedGeometryTypeError{Code: hdr.ShapeType}
	}
	hdr.Kind, hdr.HasZ, hdr.HasM = kind, hasZ, hasM

	return &Reader{
		r:        bufio.NewReader(r),
		hdr:      *hdr,
		consumed: headerSize,
	}, nil
}

// Header returns the decoded file header.
func (r *Reader) Header() Header { return r.hdr }

// Next returns the next geometry record, or io.EOF when the stream is
// exhausted at exactly the header-declared length.
func (r *Reader) Next() (*GeometryRecord, error) {
	if r.done {
		return nil, io.EOF
	}

	var recHdr [8]byte
	if _, err := io.ReadFull(r.r, recHdr[:]); err != nil {
		if err == io.EOF {
			if r.consumed != r.hdr.FileLength {
				return nil, domain.ErrMalformedHeader(domain.ComponentSHP,
					"declared file length %d bytes but stream ended at %d", r.hdr.FileLength, r.consumed)
			}
			r.done = true
			return nil, io.EOF
		}
		return nil, domain.ErrTruncatedRecord(domain.ComponentSHP, "short record header at offset %d", r.consumed)
	}

	// Record header: record number and content length, both big-endian, the
	// length in 16-bit words.
	number := int32(binary.BigEndian.Uint32(recHdr[0:4]))
	contentLen := int64(binary.BigEndian.Uint32(recHdr[4:8])) * 2
	if contentLen < 4 {
		return nil, domain.ErrTruncatedRecord(domain.ComponentSHP, "record %d declares %d content bytes", number, contentLen)
	}

	content := make([]byte, contentLen)
	if _, err := io.ReadFull(r.r, content); err != nil {
		return nil, domain.ErrTruncatedRecord(domain.ComponentSHP,
			"record %d: want %d content bytes: %v", number, contentLen, err)
	}
	r.consumed += 8 + contentLen

	rec, err := decodeRecord(number, content)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// readMainHeader decodes the shared .shp/.shx 100-byte header.
func readMainHeader(r io.Reader, size int64, kind domain.ComponentKind) (*Header, error) {
	var buf [headerSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, domain.ErrMalformedHeader(kind, "short header: %v", err)
	}

	if code := binary.BigEndian.Uint32(buf[0:4]); code != fileCode {
		return nil, domain.ErrMalformedHeader(kind, "file code %d, want %d", code, fileCode)
	}

	declared := int64(binary.BigEndian.Uint32(buf[24:28])) * 2
	if size >= 0 && declared != size {
		return nil, domain.ErrMalformedHeader(kind, "declared length %d bytes, actual %d", declared, size)
	}

	if v := binary.LittleEndian.Uint32(buf[28:32]); v != shpVersion {
		return nil, domain.ErrMalformedHeader(kind, "version %d, want %d", v, shpVersion)
	}

	hdr := &Header{
		FileLength: declared,
		ShapeType:  int32(binary.LittleEndian.Uint32(buf[32:36])),
	}
	for i := 0; i < 4; i++ {
		hdr.Box[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[36+8*i : 44+8*i]))
	}
	return hdr, nil
}

// ValidateIndexHeader validates a .shx header (same layout as .shp). The
// record contents of the index are never read; parallel record access via the
// index is out of scope.
func ValidateIndexHeader(r io.Reader, size int64) error {
	_, err := readMainHeader(r, size, domain.ComponentSHX)
	return err
}

// payload is a bounds-checked cursor over one record's content bytes. All
// content fields are little-endian.
type payload struct {
	b   []byte
	off int
	rec int32
}

func (p *payload) remaining() int { return len(p.b) - p.off }

func (p *payload) i32() (int32, error) {
	if p.remaining() < 4 {
		return 0, domain.ErrTruncatedRecord(domain.ComponentSHP, "record %d: content ends inside an int32", p.rec)
	}
	v := int32(binary.LittleEndian.Uint32(p.b[p.off:]))
	p.off += 4
	return v, nil
}

func (p *payload) f64() (float64, error) {
	if p.remaining() < 8 {
		return 0, domain.ErrTruncatedRecord(domain.ComponentSHP, "record %d: content ends inside a float64", p.rec)
	}
	v := math.Float64frombits(binary.LittleEndian.Uint64(p.b[p.off:]))
	p.off += 8
	return v, nil
}

func (p *payload) box() ([4]float64, error) {
	var box [4]float64
	for i := range box {
		v, err := p.f64()
		if err != nil {
			return box, err
		}
		box[i] = v
	}
	return box, nil
}

func decodeRecord(number int32, content []byte) (*GeometryRecord, error) {
	p := &payload{b: content, rec: number}

	code, err := p.i32()
	if err != nil {
		return nil, err
	}
	kind, hasZ, hasM, ok := shapeKind(code)
	if !ok {
		return nil, &domain.UnsupportedGeometryTypeError{Code: code}
	}

	rec := &GeometryRecord{Number: number, Kind: kind, HasZ: hasZ, HasM: hasM}
	if kind == KindNull {
		return rec, nil
	}

	switch kind {
	case KindPoint:
		if err := decodePoint(p, rec); err != nil {
			return nil, err
		}
	case KindMultipoint:
		if err := decodeMultipoint(p, rec); err != nil {
			return nil, err
		}
	case KindPolyLine, KindPolygon:
		if err := decodePoly(p, rec); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func decodePoint(p *payload, rec *GeometryRecord) error {
	var c Coord
	var err error
	if c.X, err = p.f64(); err != nil {
		return err
	}
	if c.Y, err = p.f64(); err != nil {
		return err
	}
	if rec.HasZ {
		if c.Z, err = p.f64(); err != nil {
			return err
		}
	}
	if rec.HasM {
		// The trailing M of PointZ is optional in practice.
		if p.remaining() >= 8 {
			if c.M, err = p.f64(); err != nil {
				return err
			}
		} else {
			rec.HasM = false
		}
	}
	rec.Coords = []Coord{c}
	return nil
}

func decodeMultipoint(p *payload, rec *GeometryRecord) error {
	box, err := p.box()
	if err != nil {
		return err
	}
	rec.Box = box

	n, err := p.i32()
	if err != nil {
		return err
	}
	if n < 0 || int64(n)*16 > int64(p.remaining()) {
		return domain.ErrTruncatedRecord(domain.ComponentSHP, "record %d: point count %d exceeds content", rec.Number, n)
	}

	rec.Coords = make([]Coord, n)
	for i := range rec.Coords {
		if rec.Coords[i].X, err = p.f64(); err != nil {
			return err
		}
		if rec.Coords[i].Y, err = p.f64(); err != nil {
			return err
		}
	}
	return decodeMeasures(p, rec)
}

func decodePoly(p *payload, rec *GeometryRecord) error {
	box, err := p.box()
	if err != nil {
		return err
	}
	rec.Box = box

	numParts, err := p.i32()
	if err != nil {
		return err
	}
	numPoints, err := p.i32()
	if err != nil {
		return err
	}
	if numParts <= 0 || numPoints < 0 {
		return domain.ErrTruncatedRecord(domain.ComponentSHP,
			"record %d: invalid part/point counts %d/%d", rec.Number, numParts, numPoints)
	}
	if int64(numParts)*4+int64(numPoints)*16 > int64(p.remaining()) {
		return domain.ErrTruncatedRecord(domain.ComponentSHP,
			"record %d: %d parts / %d points exceed content", rec.Number, numParts, numPoints)
	}

	rec.Parts = make([]int32, numParts)
	for i := range rec.Parts {
		if rec.Parts[i], err = p.i32(); err != nil {
			return err
		}
	}
	// Part offsets must be strictly increasing and within the coordinate
	// sequence bounds.
	for i, off := range rec.Parts {
		if off < 0 || off >= numPoints || (i > 0 && off <= rec.Parts[i-1]) {
			return domain.ErrTruncatedRecord(domain.ComponentSHP,
				"record %d: part offset %d out of order or out of range", rec.Number, off)
		}
	}

	rec.Coords = make([]Coord, numPoints)
	for i := range rec.Coords {
		if rec.Coords[i].X, err = p.f64(); err != nil {
			return err
		}
		if rec.Coords[i].Y, err = p.f64(); err != nil {
			return err
		}
	}
	return decodeMeasures(p, rec)
}

// decodeMeasures reads the optional Z and M blocks (range pair + one value per
// point) that follow the coordinate array on Z/M shape variants. The M block
// is optional even on Z types; the values are parsed but never geometrically
// validated.
func decodeMeasures(p *payload, rec *GeometryRecord) error {
	n := len(rec.Coords)
	block := int64(16 + 8*n)

	if rec.HasZ {
		if int64(p.remaining()) < block {
			return domain.ErrTruncatedRecord(domain.ComponentSHP, "record %d: missing Z block", rec.Number)
		}
		if err := skipRange(p); err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			v, err := p.f64()
			if err != nil {
				return err
			}
			rec.Coords[i].Z = v
		}
	}
	if rec.HasM {
		if int64(p.remaining()) < block {
			rec.HasM = false
			return nil
		}
		if err := skipRange(p); err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			v, err := p.f64()
			if err != nil {
				return err
			}
			rec.Coords[i].M = v
		}
	}
	return nil
}

func skipRange(p *payload) error {
	if _, err := p.f64(); err != nil {
		return err
	}
	_, err := p.f64()
	return err
}
