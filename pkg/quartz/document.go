package quartz

import (
	"encoding/binary"
	"strconv"
)

// Wire element tags. A document is a little-endian int32 total length
// (self-inclusive), a run of tagged elements, and a 0x00 terminator.
const (
	elementString   = 0x02
	elementDocument = 0x03
	elementArray    = 0x04
	elementInt32    = 0x10
)

// maxDocumentSize caps inbound documents; anything larger is a protocol error.
const maxDocumentSize = 16 * 1024 * 1024

// Document is an append-only wire-document builder. Len reports the size the
// finished document will serialize to, so callers can enforce byte budgets
// while building.
type Document struct {
	buf []byte
}

// NewDocument creates an empty document builder.
func NewDocument() *Document {
	d := &Document{buf: make([]byte, 4, 64)}
	return d
}

// Len returns the serialized size in bytes, including the length prefix and
// the trailing terminator. An empty document is 5 bytes.
func (d *Document) Len() int {
	return len(d.buf) + 1
}

func (d *Document) appendKey(tag byte, key string) {
	d.buf = append(d.buf, tag)
	d.buf = append(d.buf, key...)
	d.buf = append(d.buf, 0)
}

// AppendString appends a string element.
func (d *Document) AppendString(key string, value string) {
	d.appendKey(elementString, key)
	d.buf = appendInt32(d.buf, int32(len(value)+1))
	d.buf = append(d.buf, value...)
	d.buf = append(d.buf, 0)
}

// AppendInt32 appends an int32 element.
func (d *Document) AppendInt32(key string, value int32) {
	d.appendKey(elementInt32, key)
	d.buf = appendInt32(d.buf, value)
}

// AppendDocument appends sub as a nested document element.
func (d *Document) AppendDocument(key string, sub *Document) {
	d.appendKey(elementDocument, key)
	d.buf = append(d.buf, sub.Bytes()...)
}

// AppendStringArray appends values as an array element with keys "0", "1", ...
func (d *Document) AppendStringArray(key string, values []string) {
	sub := NewDocument()
	for i, v := range values {
		sub.AppendString(strconv.Itoa(i), v)
	}
	d.appendKey(elementArray, key)
	d.buf = append(d.buf, sub.Bytes()...)
}

// Bytes serializes the document. The builder remains usable; further appends
// produce a longer document on the next call.
func (d *Document) Bytes() []byte {
	out := make([]byte, len(d.buf)+1)
	copy(out, d.buf)
	out[len(out)-1] = 0
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(out)))
	return out
}

func appendInt32(b []byte, v int32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(v))
	return append(b, tmp[:]...)
}

// stringElementOverhead is the wire cost of a string element beyond the value
// bytes themselves: tag, key and its terminator, the int32 value-length
// prefix. The value's own terminator is accounted separately by callers that
// compute remaining-budget truncation.
func stringElementOverhead(key string) int {
	return 1 + len(key) + 1 + 4
}

// ReadDocument parses a serialized document into a map. Nested documents
// become nested maps, arrays become []interface{}, strings and int32s map to
// their Go equivalents.
func ReadDocument(b []byte) (map[string]interface{}, error) {
	if len(b) < 5 {
		return nil, ErrDocumentCorrupt
	}
	total := int(int32(binary.LittleEndian.Uint32(b[0:4])))
	if total < 5 || total > len(b) || total > maxDocumentSize {
		return nil, ErrDocumentCorrupt
	}
	if b[total-1] != 0 {
		return nil, ErrDocumentCorrupt
	}

	out := make(map[string]interface{})
	pos := 4
	for pos < total-1 {
		tag := b[pos]
		pos++

		keyEnd := pos
		for keyEnd < total-1 && b[keyEnd] != 0 {
			keyEnd++
		}
		if keyEnd >= total-1 {
			return nil, ErrDocumentCorrupt
		}
		key := string(b[pos:keyEnd])
		pos = keyEnd + 1

		switch tag {
		case elementString:
			if pos+4 > total-1 {
				return nil, ErrDocumentCorrupt
			}
			vlen := int(int32(binary.LittleEndian.Uint32(b[pos : pos+4])))
			pos += 4
			if vlen < 1 || pos+vlen > total-1 || b[pos+vlen-1] != 0 {
				return nil, ErrDocumentCorrupt
			}
			out[key] = string(b[pos : pos+vlen-1])
			pos += vlen
		case elementInt32:
			if pos+4 > total-1 {
				return nil, ErrDocumentCorrupt
			}
			out[key] = int32(binary.LittleEndian.Uint32(b[pos : pos+4]))
			pos += 4
		case elementDocument, elementArray:
			if pos+4 > total-1 {
				return nil, ErrDocumentCorrupt
			}
			sublen := int(int32(binary.LittleEndian.Uint32(b[pos : pos+4])))
			if sublen < 5 || pos+sublen > total-1 {
				return nil, ErrDocumentCorrupt
			}
			sub, err := ReadDocument(b[pos : pos+sublen])
			if err != nil {
				return nil, err
			}
			if tag == elementArray {
				arr := make([]interface{}, 0, len(sub))
				for i := 0; ; i++ {
					v, ok := sub[strconv.Itoa(i)]
					if !ok {
						break
					}
					arr = append(arr, v)
				}
				out[key] = arr
			} else {
				out[key] = sub
			}
			pos += sublen
		default:
			return nil, ErrDocumentCorrupt
		}
	}

	return out, nil
}
