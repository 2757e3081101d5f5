package apdu

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

type DataTag byte

const (
	TagNull               DataTag = 0
	TagArray              DataTag = 1
	TagStructure          DataTag = 2
	TagBoolean            DataTag = 3
	TagBitString          DataTag = 4
	TagDoubleLong         DataTag = 5
	TagDoubleLongUnsigned DataTag = 6
	TagFloatingPoint      DataTag = 7
	TagOctetString        DataTag = 9
	TagVisibleString      DataTag = 10
	TagUTF8String         DataTag = 12
	TagBCD                DataTag = 13
	TagInteger            DataTag = 15
	TagLong               DataTag = 16
	TagUnsigned           DataTag = 17
	TagLongUnsigned       DataTag = 18
	TagCompactArray       DataTag = 19
	TagLong64             DataTag = 20
	TagLong64Unsigned     DataTag = 21
	TagEnum               DataTag = 22
	TagFloat32            DataTag = 23
	TagFloat64            DataTag = 24
	TagDateTime           DataTag = 25
	TagDate               DataTag = 26
	TagTime               DataTag = 27
	TagDontCare           DataTag = 255
)

// maxDepth bounds nesting of arrays and structures while decoding.
const maxDepth = 32

// Data is one COSEM value. Value holds the Go form of the tag:
//
//	null, dont-care         nil
//	array, structure        []Data
//	boolean                 bool
//	bit-string              []bool
//	double-long(-unsigned)  int32, uint32
//	integer, long, long64   int8, int16, int64
//	unsigned, long-unsigned uint8, uint16, long64-unsigned uint64
//	enum                    uint8
//	bcd                     int8
//	floating-point, float32 float32, float64 float64
//	octet-string            []byte
//	visible/utf8-string     string
//	date-time, date, time   DateTime, Date, Time
type Data struct {
	Tag   DataTag
	Value any
}

func NewNull() Data                  { return Data{Tag: TagNull} }
func NewInteger(v int8) Data         { return Data{Tag: TagInteger, Value: v} }
func NewUnsigned(v uint8) Data       { return Data{Tag: TagUnsigned, Value: v} }
func NewLongUnsigned(v uint16) Data  { return Data{Tag: TagLongUnsigned, Value: v} }
func NewOctetString(v []byte) Data   { return Data{Tag: TagOctetString, Value: v} }
func NewVisibleString(v string) Data { return Data{Tag: TagVisibleString, Value: v} }
func NewStructure(v ...Data) Data    { return Data{Tag: TagStructure, Value: v} }

func (d Data) String() string {
	switch v := d.Value.(type) {
	case nil:
		return "null"
	case []Data:
		lb, rb := "[", "]"
		if d.Tag == TagStructure {
			lb, rb = "{", "}"
		}
		var sb strings.Builder
		sb.WriteString(lb)
		for i, e := range v {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(e.String())
		}
		sb.WriteString(rb)
		return sb.String()
	case []bool:
		var sb strings.Builder
		for _, b := range v {
			if b {
				sb.WriteByte('1')
			} else {
				sb.WriteByte('0')
			}
		}
		return sb.String()
	case []byte:
		if printable(v) {
			return string(v)
		}
		return strings.ToUpper(hex.EncodeToString(v))
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func printable(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}

// DecodeData decodes one tagged value from the start of src and returns the bytes it took.
func DecodeData(src []byte) (Data, int, error) {
	d := decoder{src: src}
	v, err := d.data(0)
	return v, d.off, err
}

type decoder struct {
	src []byte
	off int
}

func (d *decoder) take(n int, what string) ([]byte, error) {
	if n < 0 || len(d.src)-d.off < n {
		return nil, fmt.Errorf("%w: too short data for %s", ErrTruncated, what)
	}
	b := d.src[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) length() (int, error) {
	l, c, err := decodelength(d.src[d.off:])
	if err != nil {
		return 0, err
	}
	d.off += c
	if l > uint(len(d.src)) { // every element takes at least one byte
		return 0, fmt.Errorf("%w: length %d", ErrTruncated, l)
	}
	return int(l), nil
}

func (d *decoder) data(depth int) (Data, error) {
	t, err := d.take(1, "tag")
	if err != nil {
		return Data{}, err
	}
	return d.value(DataTag(t[0]), depth)
}

func (d *decoder) value(tag DataTag, depth int) (Data, error) {
	switch tag {
	case TagNull, TagDontCare:
		return Data{Tag: tag}, nil
	case TagArray, TagStructure:
		if depth >= maxDepth {
			return Data{}, fmt.Errorf("data nested too deep")
		}
		n, err := d.length()
		if err != nil {
			return Data{}, err
		}
		items := make([]Data, n)
		for i := range items {
			if items[i], err = d.data(depth + 1); err != nil {
				return Data{}, err
			}
		}
		return Data{Tag: tag, Value: items}, nil
	case TagBoolean:
		b, err := d.take(1, "boolean")
		if err != nil {
			return Data{}, err
		}
		return Data{Tag: tag, Value: b[0] != 0}, nil
	case TagBitString:
		l, c, err := decodelength(d.src[d.off:]) // in bits
		if err != nil {
			return Data{}, err
		}
		d.off += c
		b, err := d.take(int((l+7)>>3), "bitstring")
		if err != nil {
			return Data{}, err
		}
		val := make([]bool, l)
		for i := range val {
			val[i] = b[i>>3]&(0x80>>(i&7)) != 0
		}
		return Data{Tag: tag, Value: val}, nil
	case TagDoubleLong:
		b, err := d.take(4, "double long")
		if err != nil {
			return Data{}, err
		}
		return Data{Tag: tag, Value: int32(binary.BigEndian.Uint32(b))}, nil
	case TagDoubleLongUnsigned:
		b, err := d.take(4, "double long unsigned")
		if err != nil {
			return Data{}, err
		}
		return Data{Tag: tag, Value: binary.BigEndian.Uint32(b)}, nil
	case TagFloatingPoint, TagFloat32:
		b, err := d.take(4, "float32")
		if err != nil {
			return Data{}, err
		}
		return Data{Tag: tag, Value: math.Float32frombits(binary.BigEndian.Uint32(b))}, nil
	case TagFloat64:
		b, err := d.take(8, "float64")
		if err != nil {
			return Data{}, err
		}
		return Data{Tag: tag, Value: math.Float64frombits(binary.BigEndian.Uint64(b))}, nil
	case TagOctetString:
		n, err := d.length()
		if err != nil {
			return Data{}, err
		}
		b, err := d.take(n, "octet string")
		if err != nil {
			return Data{}, err
		}
		return Data{Tag: tag, Value: bytes.Clone(b)}, nil
	case TagVisibleString:
		n, err := d.length()
		if err != nil {
			return Data{}, err
		}
		b, err := d.take(n, "visible string")
		if err != nil {
			return Data{}, err
		}
		return Data{Tag: tag, Value: string(b)}, nil
	case TagUTF8String:
		n, err := d.length()
		if err != nil {
			return Data{}, err
		}
		b, err := d.take(n, "utf8 string")
		if err != nil {
			return Data{}, err
		}
		if !utf8.Valid(b) {
			return Data{}, fmt.Errorf("byte slice contain invalid UTF-8 runes")
		}
		return Data{Tag: tag, Value: string(b)}, nil
	case TagBCD:
		b, err := d.take(1, "bcd")
		if err != nil {
			return Data{}, err
		}
		v := int(b[0]&0xf) + 10*(int(b[0]>>4)&7)
		if b[0]&0x80 != 0 {
			v = -v
		}
		return Data{Tag: tag, Value: int8(v)}, nil
	case TagInteger:
		b, err := d.take(1, "integer")
		if err != nil {
			return Data{}, err
		}
		return Data{Tag: tag, Value: int8(b[0])}, nil
	case TagLong:
		b, err := d.take(2, "long")
		if err != nil {
			return Data{}, err
		}
		return Data{Tag: tag, Value: int16(binary.BigEndian.Uint16(b))}, nil
	case TagUnsigned, TagEnum:
		b, err := d.take(1, "unsigned")
		if err != nil {
			return Data{}, err
		}
		return Data{Tag: tag, Value: b[0]}, nil
	case TagLongUnsigned:
		b, err := d.take(2, "long unsigned")
		if err != nil {
			return Data{}, err
		}
		return Data{Tag: tag, Value: binary.BigEndian.Uint16(b)}, nil
	case TagLong64:
		b, err := d.take(8, "long64")
		if err != nil {
			return Data{}, err
		}
		return Data{Tag: tag, Value: int64(binary.BigEndian.Uint64(b))}, nil
	case TagLong64Unsigned:
		b, err := d.take(8, "long64 unsigned")
		if err != nil {
			return Data{}, err
		}
		return Data{Tag: tag, Value: binary.BigEndian.Uint64(b)}, nil
	case TagDateTime:
		b, err := d.take(12, "datetime")
		if err != nil {
			return Data{}, err
		}
		return Data{Tag: tag, Value: datetimeFromSlice(b)}, nil
	case TagDate:
		b, err := d.take(5, "date")
		if err != nil {
			return Data{}, err
		}
		return Data{Tag: tag, Value: Date{Year: binary.BigEndian.Uint16(b), Month: b[2], Day: b[3], DayOfWeek: b[4]}}, nil
	case TagTime:
		b, err := d.take(4, "time")
		if err != nil {
			return Data{}, err
		}
		return Data{Tag: tag, Value: Time{Hour: b[0], Minute: b[1], Second: b[2], Hundredths: b[3]}}, nil
	case TagCompactArray:
		return Data{}, fmt.Errorf("compact array is not supported")
	}
	return Data{}, fmt.Errorf("unknown tag %d", tag)
}

func datetimeFromSlice(b []byte) DateTime {
	return DateTime{
		Date:      Date{Year: binary.BigEndian.Uint16(b), Month: b[2], Day: b[3], DayOfWeek: b[4]},
		Time:      Time{Hour: b[5], Minute: b[6], Second: b[7], Hundredths: b[8]},
		Deviation: int16(binary.BigEndian.Uint16(b[9:])),
		Status:    b[11],
	}
}

func EncodeData(d Data) ([]byte, error) {
	var out bytes.Buffer
	if err := encodeData(&out, d); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func encodeData(out *bytes.Buffer, d Data) error {
	out.WriteByte(byte(d.Tag))
	switch d.Tag {
	case TagNull, TagDontCare:
		return nil
	case TagArray, TagStructure:
		items, ok := d.Value.([]Data)
		if !ok && d.Value != nil {
			return fmt.Errorf("unsupported data type for array/structure: %T", d.Value)
		}
		encodelength(out, uint(len(items)))
		for _, e := range items {
			if err := encodeData(out, e); err != nil {
				return err
			}
		}
		return nil
	case TagBoolean, TagInteger, TagUnsigned, TagEnum:
		return encodeInteger(out, d.Value, 1)
	case TagLong, TagLongUnsigned:
		return encodeInteger(out, d.Value, 2)
	case TagDoubleLong, TagDoubleLongUnsigned:
		return encodeInteger(out, d.Value, 4)
	case TagLong64, TagLong64Unsigned:
		return encodeInteger(out, d.Value, 8)
	case TagFloatingPoint, TagFloat32:
		return encodeFloat(out, d.Value, 4)
	case TagFloat64:
		return encodeFloat(out, d.Value, 8)
	case TagBitString:
		return encodeBitstring(out, d.Value)
	case TagOctetString:
		return encodeOctetString(out, d.Value)
	case TagVisibleString, TagUTF8String:
		s, ok := d.Value.(string)
		if !ok {
			return fmt.Errorf("unsupported data type for string: %T", d.Value)
		}
		encodelength(out, uint(len(s)))
		out.WriteString(s)
		return nil
	case TagBCD:
		v, ok := d.Value.(int8)
		if !ok {
			return fmt.Errorf("unsupported data type for BCD: %T", d.Value)
		}
		lr := int(v)
		b := byte(0)
		if lr < 0 {
			b = 0x80
			lr = -lr
		}
		out.WriteByte(b | byte(((lr/10)%10)<<4) | byte(lr%10))
		return nil
	case TagDateTime:
		switch t := d.Value.(type) {
		case DateTime:
			encodedatetime(out, t)
		case time.Time:
			encodedatetime(out, DateTimeFromTime(t))
		default:
			return fmt.Errorf("unsupported data type for date time: %T", d.Value)
		}
		return nil
	case TagDate:
		t, ok := d.Value.(Date)
		if !ok {
			return fmt.Errorf("unsupported data type for date: %T", d.Value)
		}
		encodedate(out, t)
		return nil
	case TagTime:
		t, ok := d.Value.(Time)
		if !ok {
			return fmt.Errorf("unsupported data type for time: %T", d.Value)
		}
		encodetime(out, t)
		return nil
	}
	return fmt.Errorf("unsupported data tag: %v", d.Tag)
}

func encodeOctetString(out *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case []byte:
		encodelength(out, uint(len(t)))
		out.Write(t)
	case string:
		encodelength(out, uint(len(t)))
		out.WriteString(t)
	case Obis:
		encodelength(out, 6)
		out.Write(t.Bytes())
	case DateTime:
		encodelength(out, 12)
		encodedatetime(out, t)
	case time.Time:
		encodelength(out, 12)
		encodedatetime(out, DateTimeFromTime(t))
	default:
		return fmt.Errorf("unsupported data type for octet string: %T", v)
	}
	return nil
}

func encodedate(out *bytes.Buffer, t Date) {
	out.WriteByte(byte(t.Year >> 8))
	out.WriteByte(byte(t.Year))
	out.WriteByte(t.Month)
	out.WriteByte(t.Day)
	out.WriteByte(t.DayOfWeek)
}

func encodetime(out *bytes.Buffer, t Time) {
	out.WriteByte(t.Hour)
	out.WriteByte(t.Minute)
	out.WriteByte(t.Second)
	out.WriteByte(t.Hundredths)
}

func encodedatetime(out *bytes.Buffer, t DateTime) {
	encodedate(out, t.Date)
	encodetime(out, t.Time)
	out.WriteByte(byte(t.Deviation >> 8))
	out.WriteByte(byte(t.Deviation))
	out.WriteByte(t.Status)
}

func encodeFloat(out *bytes.Buffer, v any, size int) error {
	var f float64
	switch t := v.(type) {
	case float32:
		f = float64(t)
	case float64:
		f = t
	default:
		return fmt.Errorf("unsupported data type for float: %T", v)
	}
	if size == 4 {
		return binary.Write(out, binary.BigEndian, float32(f))
	}
	return binary.Write(out, binary.BigEndian, f)
}

func encodeBitstring(out *bytes.Buffer, v any) error {
	var bits []bool
	switch t := v.(type) {
	case []bool:
		bits = t
	case string:
		bits = make([]bool, len(t))
		for i, c := range t {
			switch c {
			case '0':
			case '1':
				bits[i] = true
			default:
				return fmt.Errorf("invalid character in bitstring: %c", c)
			}
		}
	default:
		return fmt.Errorf("unsupported data type for bitstring: %T", v)
	}
	res := make([]byte, (len(bits)+7)>>3)
	for i, b := range bits {
		if b {
			res[i>>3] |= 0x80 >> (i & 7)
		}
	}
	encodelength(out, uint(len(bits)))
	out.Write(res)
	return nil
}

func encodeInteger(out *bytes.Buffer, v any, size int) error {
	var lr uint64
	switch t := v.(type) {
	case bool:
		if t {
			lr = 1
		}
	case uint:
		lr = uint64(t)
	case uint8:
		lr = uint64(t)
	case uint16:
		lr = uint64(t)
	case uint32:
		lr = uint64(t)
	case uint64:
		lr = t
	case int:
		lr = uint64(int64(t)) // sign extended, truncated below
	case int8:
		lr = uint64(int64(t))
	case int16:
		lr = uint64(int64(t))
	case int32:
		lr = uint64(int64(t))
	case int64:
		lr = uint64(t)
	default:
		return fmt.Errorf("unsupported data type for number: %T", v)
	}
	for i := size - 1; i >= 0; i-- {
		out.WriteByte(byte(lr >> (8 * i)))
	}
	return nil
}
