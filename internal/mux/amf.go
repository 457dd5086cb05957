package mux

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// AMF0 type markers.
const (
	amfNumber      byte = 0x00
	amfBoolean     byte = 0x01
	amfString      byte = 0x02
	amfObject      byte = 0x03
	amfECMAArray   byte = 0x08
	amfObjectEnd   byte = 0x09
	amfStrictArray byte = 0x0A
)

// AMFValue is one decoded AMF0 value. The concrete types are float64,
// bool, string, *AMFObject and []AMFValue (strict array).
type AMFValue interface{}

// AMFProperty is one key/value pair of an AMF object or ECMA array.
type AMFProperty struct {
	Key   string
	Value AMFValue
}

// AMFObject is an anonymous object or an ECMA (mixed) array. Property order
// is preserved so re-encoding reproduces the original layout.
type AMFObject struct {
	ECMA       bool
	MaxNumber  uint32 // ECMA array length hint, as written by the encoder
	Properties []AMFProperty
}

// Get returns the value stored under key.
func (o *AMFObject) Get(key string) (AMFValue, bool) {
	for _, p := range o.Properties {
		if p.Key == key {
			return p.Value, true
		}
	}
	return nil, false
}

// Set replaces the value under key, appending it when missing.
func (o *AMFObject) Set(key string, v AMFValue) {
	for i := range o.Properties {
		if o.Properties[i].Key == key {
			o.Properties[i].Value = v
			return
		}
	}
	o.Properties = append(o.Properties, AMFProperty{Key: key, Value: v})
	if o.ECMA {
		o.MaxNumber++
	}
}

// amfKind names the top-level shape of a value for mismatch checks.
func amfKind(v AMFValue) string {
	switch t := v.(type) {
	case float64:
		return "number"
	case bool:
		return "boolean"
	case string:
		return "string"
	case *AMFObject:
		if t.ECMA {
			return "ecma-array"
		}
		return "object"
	case []AMFValue:
		return "strict-array"
	default:
		return "unknown"
	}
}

// DecodeAMF reads one AMF0 value.
func DecodeAMF(r io.Reader) (AMFValue, error) {
	var marker [1]byte
	if _, err := io.ReadFull(r, marker[:]); err != nil {
		return nil, wrapCause(ErrAMFDecode, err, "marker")
	}
	return decodeAMFBody(r, marker[0])
}

func decodeAMFBody(r io.Reader, marker byte) (AMFValue, error) {
	switch marker {
	case amfNumber:
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, wrapCause(ErrAMFDecode, err, "number")
		}
		return math.Float64frombits(binary.BigEndian.Uint64(buf[:])), nil
	case amfBoolean:
		var buf [1]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, wrapCause(ErrAMFDecode, err, "boolean")
		}
		return buf[0] != 0, nil
	case amfString:
		return readAMFString(r)
	case amfObject:
		props, err := readAMFProperties(r)
		if err != nil {
			return nil, err
		}
		return &AMFObject{Properties: props}, nil
	case amfECMAArray:
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, wrapCause(ErrAMFDecode, err, "ecma array")
		}
		props, err := readAMFProperties(r)
		if err != nil {
			return nil, err
		}
		return &AMFObject{ECMA: true, MaxNumber: binary.BigEndian.Uint32(buf[:]), Properties: props}, nil
	case amfStrictArray:
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, wrapCause(ErrAMFDecode, err, "strict array")
		}
		n := binary.BigEndian.Uint32(buf[:])
		values := make([]AMFValue, 0, min(n, 1024))
		for i := uint32(0); i < n; i++ {
			v, err := DecodeAMF(r)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		return values, nil
	default:
		return nil, errors.Wrapf(ErrAMFDecode, "unsupported type marker 0x%02x", marker)
	}
}

func readAMFString(r io.Reader) (string, error) {
	var size [2]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return "", wrapCause(ErrAMFDecode, err, "string length")
	}
	buf := make([]byte, binary.BigEndian.Uint16(size[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", wrapCause(ErrAMFDecode, err, "string")
	}
	return string(buf), nil
}

// readAMFProperties reads key/value pairs up to the 00 00 09 terminator.
func readAMFProperties(r io.Reader) ([]AMFProperty, error) {
	var props []AMFProperty
	for {
		key, err := readAMFString(r)
		if err != nil {
			return nil, err
		}
		var marker [1]byte
		if _, err := io.ReadFull(r, marker[:]); err != nil {
			return nil, wrapCause(ErrAMFDecode, err, "property marker")
		}
		if key == "" && marker[0] == amfObjectEnd {
			return props, nil
		}
		v, err := decodeAMFBody(r, marker[0])
		if err != nil {
			return nil, errors.Wrapf(err, "property %q", key)
		}
		props = append(props, AMFProperty{Key: key, Value: v})
	}
}

// EncodeAMF appends the AMF0 encoding of v to buf.
func EncodeAMF(buf *bytes.Buffer, v AMFValue) error {
	switch t := v.(type) {
	case float64:
		buf.WriteByte(amfNumber)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(t))
		buf.Write(b[:])
	case bool:
		buf.WriteByte(amfBoolean)
		if t {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case string:
		buf.WriteByte(amfString)
		return writeAMFString(buf, t)
	case *AMFObject:
		if t.ECMA {
			buf.WriteByte(amfECMAArray)
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], t.MaxNumber)
			buf.Write(b[:])
		} else {
			buf.WriteByte(amfObject)
		}
		for _, p := range t.Properties {
			if err := writeAMFString(buf, p.Key); err != nil {
				return err
			}
			if err := EncodeAMF(buf, p.Value); err != nil {
				return err
			}
		}
		buf.Write([]byte{0x00, 0x00, amfObjectEnd})
	case []AMFValue:
		buf.WriteByte(amfStrictArray)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(len(t)))
		buf.Write(b[:])
		for _, item := range t {
			if err := EncodeAMF(buf, item); err != nil {
				return err
			}
		}
	default:
		return errors.Wrapf(ErrAMFDecode, "cannot encode %T", v)
	}
	return nil
}

func writeAMFString(buf *bytes.Buffer, s string) error {
	if len(s) > math.MaxUint16 {
		return errors.Wrapf(ErrAMFDecode, "string of %d bytes too long", len(s))
	}
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(len(s)))
	buf.Write(b[:])
	buf.WriteString(s)
	return nil
}
