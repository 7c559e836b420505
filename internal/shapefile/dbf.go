package shapefile

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"strconv"
	"strings"
	"time"

	"shapelake/internal/domain"
)

// dBASE layout constants.
const (
	dbfHeaderSize     = 32
	dbfDescriptorSize = 32
	dbfTerminator     = 0x0D
	dbfEOFMarker      = 0x1A
	dbfDeletedFlag    = '*'
)

// FieldDescriptor is one entry of the .dbf field-descriptor array.
type FieldDescriptor struct {
	Name         string
	Type         byte // 'C', 'N', 'F', 'D', 'L'
	Length       uint8
	DecimalCount uint8
}

// SemanticType maps a dBASE type code to the destination column type:
// C→text, N/F→numeric (integer when the decimal count is 0), D→date,
// L→boolean. Unknown codes decode as text.
func (f FieldDescriptor) SemanticType() domain.FieldType {
	switch f.Type {
	case 'N', 'F':
		if f.DecimalCount == 0 {
			return domain.FieldInteger
		}
		return domain.FieldFloat
	case 'D':
		return domain.FieldDate
	case 'L':
		return domain.FieldBoolean
	default:
		return domain.FieldText
	}
}

// DBFReader streams fixed-width attribute records from a .dbf byte stream.
type DBFReader struct {
	r           *bufio.Reader
	fields      []FieldDescriptor
	recordCount uint32
	recordLen   int
	read        uint32
	buf         []byte
}

// NewDBFReader reads and validates the header and field-descriptor array.
func NewDBFReader(r io.Reader) (*DBFReader, error) {
	br := bufio.NewReader(r)

	var hdr [dbfHeaderSize]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, domain.ErrMalformedHeader(domain.ComponentDBF, "short header: %v", err)
	}

	recordCount := binary.LittleEndian.Uint32(hdr[4:8])
	headerLen := int(binary.LittleEndian.Uint16(hdr[8:10]))
	recordLen := int(binary.LittleEndian.Uint16(hdr[10:12]))

	// Header length must cover the fixed header, a whole number of 32-byte
	// descriptors, and the terminator byte.
	if headerLen < dbfHeaderSize+1 || (headerLen-dbfHeaderSize-1)%dbfDescriptorSize != 0 {
		return nil, domain.ErrMalformedHeader(domain.ComponentDBF, "inconsistent header length %d", headerLen)
	}
	numFields := (headerLen - dbfHeaderSize - 1) / dbfDescriptorSize

	fields := make([]FieldDescriptor, 0, numFields)
	widthSum := 1 // deletion-flag byte
	for i := 0; i < numFields; i++ {
		var desc [dbfDescriptorSize]byte
		if _, err := io.ReadFull(br, desc[:]); err != nil {
			return nil, domain.ErrMalformedHeader(domain.ComponentDBF, "short field descriptor %d: %v", i, err)
		}
		if desc[0] == dbfTerminator {
			return nil, domain.ErrMalformedHeader(domain.ComponentDBF,
				"descriptor array terminated after %d of %d fields", i, numFields)
		}
		nameBytes := desc[0:11]
		if i := bytes.IndexByte(nameBytes, 0); i >= 0 {
			nameBytes = nameBytes[:i]
		}
		name := string(nameBytes)
		fields = append(fields, FieldDescriptor{
			Name:         name,
			Type:         desc[11],
			Length:       desc[16],
			DecimalCount: desc[17],
		})
		widthSum += int(desc[16])
	}

	term, err := br.ReadByte()
	if err != nil || term != dbfTerminator {
		return nil, domain.ErrMalformedHeader(domain.ComponentDBF, "missing descriptor terminator")
	}

	// The declared record length must match the field widths exactly;
	// anything else would make every record read misaligned.
	if recordLen != widthSum {
		return nil, domain.ErrTruncatedRecord(domain.ComponentDBF,
			"declared record length %d disagrees with field widths %d", recordLen, widthSum)
	}

	return &DBFReader{
		r:           br,
		fields:      fields,
		recordCount: recordCount,
		recordLen:   recordLen,
		buf:         make([]byte, recordLen),
	}, nil
}

// Fields returns the field-descriptor array in file order.
func (d *DBFReader) Fields() []FieldDescriptor { return d.fields }

// RecordCount returns the header-declared record count, including deleted
// records.
func (d *DBFReader) RecordCount() uint32 { return d.recordCount }

// Next returns the next attribute record (deleted records included, flagged),
// or io.EOF once the declared record count has been produced.
func (d *DBFReader) Next() (*AttributeRecord, error) {
	if d.read >= d.recordCount {
		return nil, io.EOF
	}

	if _, err := io.ReadFull(d.r, d.buf); err != nil {
		return nil, domain.ErrTruncatedRecord(domain.ComponentDBF,
			"declared %d records, stream ended at record %d: %v", d.recordCount, d.read, err)
	}
	if d.buf[0] == dbfEOFMarker {
		return nil, domain.ErrTruncatedRecord(domain.ComponentDBF,
			"declared %d records, EOF marker at record %d", d.recordCount, d.read)
	}
	d.read++

	rec := &AttributeRecord{
		Deleted: d.buf[0] == dbfDeletedFlag,
		Values:  make(map[string]any, len(d.fields)),
	}

	off := 1
	for _, f := range d.fields {
		raw := d.buf[off : off+int(f.Length)]
		off += int(f.Length)
		rec.Values[f.Name] = decodeFieldValue(f, raw)
	}
	return rec, nil
}

// decodeFieldValue converts one fixed-width field to its typed scalar. Blank
// or unparsable content decodes as nil rather than aborting the record: dBASE
// writers routinely pad numeric fields with spaces or asterisks.
func decodeFieldValue(f FieldDescriptor, raw []byte) any {
	switch f.Type {
	case 'N', 'F':
		s := strings.TrimSpace(string(raw))
		if s == "" || strings.Trim(s, "*") == "" {
			return nil
		}
		if f.DecimalCount == 0 {
			if v, err := strconv.ParseInt(s, 10, 64); err == nil {
				return v
			}
			return nil
		}
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return v
		}
		return nil

	case 'D':
		s := strings.TrimSpace(string(raw))
		if s == "" {
			return nil
		}
		if t, err := time.Parse("20060102", s); err == nil {
			return t
		}
		return nil

	case 'L':
		if len(raw) == 0 {
			return nil
		}
		switch raw[0] {
		case 'T', 't', 'Y', 'y':
			return true
		case 'F', 'f', 'N', 'n':
			return false
		default:
			return nil
		}

	default: // 'C' and unknown codes decode as text
		s := strings.TrimRight(string(raw), " \x00")
		if s == "" {
			return nil
		}
		return s
	}
}
