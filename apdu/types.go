package apdu

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

type Obis struct {
	A byte
	B byte
	C byte
	D byte
	E byte
	F byte
}

func (o Obis) String() string {
	return fmt.Sprintf("%d-%d:%d.%d.%d*%d", o.A, o.B, o.C, o.D, o.E, o.F)
}

func (o Obis) Bytes() []byte {
	return []byte{o.A, o.B, o.C, o.D, o.E, o.F}
}

func ObisFromSlice(src []byte) (ob Obis, err error) {
	if len(src) != 6 {
		err = fmt.Errorf("invalid obis length %d", len(src))
		return
	}
	return Obis{A: src[0], B: src[1], C: src[2], D: src[3], E: src[4], F: src[5]}, nil
}

var obisPattern = regexp.MustCompile(`^(\d{1,3})-(\d{1,3}):(\d{1,3})\.(\d{1,3})\.(\d{1,3})[*.](\d{1,3})$`)

// ParseObis parses the full six group form A-B:C.D.E*F, a dot is accepted in place of the star.
func ParseObis(src string) (ob Obis, err error) {
	m := obisPattern.FindStringSubmatch(src)
	if m == nil {
		return ob, fmt.Errorf("invalid obis %q", src)
	}
	var v [6]byte
	for i := range v {
		n, _ := strconv.Atoi(m[i+1]) // digits only, at most 3
		if n > 255 {
			return ob, fmt.Errorf("invalid obis %q: group %d out of range", src, i+1)
		}
		v[i] = byte(n)
	}
	return Obis{A: v[0], B: v[1], C: v[2], D: v[3], E: v[4], F: v[5]}, nil
}

// MustParseObis is ParseObis for constants.
func MustParseObis(src string) Obis {
	o, err := ParseObis(src)
	if err != nil {
		panic(err)
	}
	return o
}

type Date struct {
	Year      uint16
	Month     byte
	Day       byte
	DayOfWeek byte
}

type Time struct {
	Hour       byte
	Minute     byte
	Second     byte
	Hundredths byte
}

type DateTime struct {
	Date      Date
	Time      Time
	Deviation int16
	Status    byte
}

const DateTimeInvalidDeviation int16 = -32768

func (t DateTime) String() string {
	if tt, err := t.ToTime(); err == nil {
		return tt.Format(time.RFC3339)
	}
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d.%02d UTC%+03d Status: %02x",
		t.Date.Year, t.Date.Month, t.Date.Day,
		t.Time.Hour, t.Time.Minute, t.Time.Second, t.Time.Hundredths, t.Deviation, t.Status)
}

// ToTime converts the value, deviation is minutes east of UTC.
func (t DateTime) ToTime() (tt time.Time, err error) {
	if t.Date.Year == 0xffff || t.Date.Month == 0xff || t.Date.Day == 0xff || t.Time.Hour == 0xff || t.Time.Minute == 0xff {
		return tt, fmt.Errorf("invalid date or time")
	}
	ns := 0
	if t.Time.Hundredths != 0xff {
		ns = int(t.Time.Hundredths) * 10000000
	}
	sec := 0
	if t.Time.Second != 0xff {
		sec = int(t.Time.Second)
	}
	dev := 0
	if t.Deviation != DateTimeInvalidDeviation {
		dev = int(t.Deviation)
	}
	return time.Date(int(t.Date.Year), time.Month(t.Date.Month), int(t.Date.Day), int(t.Time.Hour), int(t.Time.Minute), sec, ns, time.FixedZone("", dev*60)), nil
}

func DateTimeFromTime(src time.Time) DateTime {
	wd := byte(src.Weekday())
	if wd == 0 {
		wd = 7
	}
	_, off := src.Zone()
	return DateTime{
		Date:      Date{Year: uint16(src.Year()), Month: byte(src.Month()), Day: byte(src.Day()), DayOfWeek: wd},
		Time:      Time{Hour: byte(src.Hour()), Minute: byte(src.Minute()), Second: byte(src.Second()), Hundredths: byte(src.Nanosecond() / 10000000)},
		Deviation: int16(off / 60),
	}
}

func (t Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", t.Year, t.Month, t.Day)
}

func (t Time) String() string {
	return fmt.Sprintf("%02d:%02d:%02d.%02d", t.Hour, t.Minute, t.Second, t.Hundredths)
}

// AttributeDescriptor addresses one attribute of a COSEM object, Instance is OBIS text.
type AttributeDescriptor struct {
	ClassID   uint16
	Instance  string
	Attribute int8
}

func (d AttributeDescriptor) String() string {
	return fmt.Sprintf("%d/%s/%d", d.ClassID, d.Instance, d.Attribute)
}

// MethodDescriptor addresses one method of a COSEM object, Instance is OBIS text.
type MethodDescriptor struct {
	ClassID  uint16
	Instance string
	Method   int8
}

func (d MethodDescriptor) String() string {
	return fmt.Sprintf("%d/%s/%d", d.ClassID, d.Instance, d.Method)
}
