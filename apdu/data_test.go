package apdu

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseObis(t *testing.T) {
	o, err := ParseObis("0-0:96.1.0*255")
	require.NoError(t, err)
	assert.Equal(t, Obis{A: 0, B: 0, C: 96, D: 1, E: 0, F: 255}, o)
	assert.Equal(t, "0-0:96.1.0*255", o.String())

	o, err = ParseObis("1-0:1.8.0.255")
	require.NoError(t, err)
	assert.Equal(t, byte(8), o.D)

	for _, bad := range []string{"", "not-an-obis", "0-0:96.1.0", "0-0:96.1.0*256", "0-0:1234.1.0*255", " 0-0:96.1.0*255"} {
		_, err := ParseObis(bad)
		assert.Error(t, err, bad)
	}

	_, err = ObisFromSlice([]byte{1, 2, 3})
	assert.Error(t, err)
	assert.Panics(t, func() { MustParseObis("x") })
}

func TestDecodeData(t *testing.T) {
	tests := []struct {
		name string
		src  []byte
		want Data
		str  string
	}{
		{"null", []byte{0x00}, Data{Tag: TagNull}, "null"},
		{"boolean", []byte{0x03, 0x01}, Data{Tag: TagBoolean, Value: true}, "true"},
		{"double long", []byte{0x05, 0xff, 0xff, 0xff, 0xfe}, Data{Tag: TagDoubleLong, Value: int32(-2)}, "-2"},
		{"long unsigned", []byte{0x12, 0x01, 0x00}, Data{Tag: TagLongUnsigned, Value: uint16(256)}, "256"},
		{"visible string", []byte{0x0a, 0x04, 'M', '0', '0', '1'}, Data{Tag: TagVisibleString, Value: "M001"}, "M001"},
		{"octet string hex", []byte{0x09, 0x02, 0x01, 0xab}, Data{Tag: TagOctetString, Value: []byte{0x01, 0xab}}, "01AB"},
		{"octet string text", []byte{0x09, 0x02, 'o', 'k'}, Data{Tag: TagOctetString, Value: []byte("ok")}, "ok"},
		{"bit string", []byte{0x04, 0x0a, 0xa0, 0x40}, Data{Tag: TagBitString, Value: []bool{true, false, true, false, false, false, false, false, false, true}}, "1010000001"},
		{"bcd", []byte{0x0d, 0x92}, Data{Tag: TagBCD, Value: int8(-12)}, "-12"},
		{"float32", []byte{0x17, 0x3f, 0xc0, 0x00, 0x00}, Data{Tag: TagFloat32, Value: float32(1.5)}, "1.5"},
		{
			"structure",
			[]byte{0x02, 0x02, 0x11, 0x01, 0x01, 0x01, 0x0f, 0xff},
			NewStructure(NewUnsigned(1), Data{Tag: TagArray, Value: []Data{NewInteger(-1)}}),
			"{1, [-1]}",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, n, err := DecodeData(tt.src)
			require.NoError(t, err)
			assert.Equal(t, len(tt.src), n)
			assert.Equal(t, tt.want, d)
			assert.Equal(t, tt.str, d.String())

			b, err := EncodeData(d)
			require.NoError(t, err)
			assert.Equal(t, tt.src, b)
		})
	}
}

func TestDecodeDataErrors(t *testing.T) {
	_, _, err := DecodeData(nil)
	assert.ErrorIs(t, err, ErrTruncated)
	_, _, err = DecodeData([]byte{0x0a, 0x05, 'a'})
	assert.ErrorIs(t, err, ErrTruncated)
	_, _, err = DecodeData([]byte{0x13, 0x00})
	assert.Error(t, err)
	_, _, err = DecodeData([]byte{0x63})
	assert.Error(t, err)

	deep := make([]byte, 0, 80)
	for i := 0; i < 40; i++ {
		deep = append(deep, 0x01, 0x01)
	}
	deep = append(deep, 0x00)
	_, _, err = DecodeData(deep)
	assert.Error(t, err)
}

func TestDateTime(t *testing.T) {
	src := []byte{0x19, 0x07, 0xea, 0x0a, 0x13, 0x01, 0x0c, 0x1e, 0x00, 0x00, 0x00, 0x78, 0x00}
	d, _, err := DecodeData(src)
	require.NoError(t, err)
	dt, ok := d.Value.(DateTime)
	require.True(t, ok)
	tt, err := dt.ToTime()
	require.NoError(t, err)
	assert.True(t, tt.Equal(time.Date(2026, 10, 19, 10, 30, 0, 0, time.UTC)))

	b, err := EncodeData(Data{Tag: TagDateTime, Value: dt})
	require.NoError(t, err)
	assert.Equal(t, src, b)

	dt.Time.Hour = 0xff
	_, err = dt.ToTime()
	assert.Error(t, err)
}

func TestEncodeDataErrors(t *testing.T) {
	_, err := EncodeData(Data{Tag: TagUnsigned, Value: "x"})
	assert.Error(t, err)
	_, err = EncodeData(Data{Tag: TagVisibleString, Value: 1})
	assert.Error(t, err)
	_, err = EncodeData(Data{Tag: TagCompactArray})
	assert.Error(t, err)

	b, err := EncodeData(Data{Tag: TagOctetString, Value: MustParseObis("0-0:96.3.10*255")})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x09, 0x06, 0x00, 0x00, 0x60, 0x03, 0x0a, 0xff}, b)
}
