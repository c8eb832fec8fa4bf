package runtime

import "fmt"

// DataType is the element type of a tensor. The names mirror the model
// configuration schema ("TYPE_FP32", ...).
type DataType int

const (
	TypeInvalid DataType = iota
	TypeBool
	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint64
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeFP16
	TypeFP32
	TypeFP64
	TypeString
)

var dtypeNames = map[DataType]string{
	TypeBool:   "TYPE_BOOL",
	TypeUint8:  "TYPE_UINT8",
	TypeUint16: "TYPE_UINT16",
	TypeUint32: "TYPE_UINT32",
	TypeUint64: "TYPE_UINT64",
	TypeInt8:   "TYPE_INT8",
	TypeInt16:  "TYPE_INT16",
	TypeInt32:  "TYPE_INT32",
	TypeInt64:  "TYPE_INT64",
	TypeFP16:   "TYPE_FP16",
	TypeFP32:   "TYPE_FP32",
	TypeFP64:   "TYPE_FP64",
	TypeString: "TYPE_STRING",
}

var dtypeSizes = map[DataType]int64{
	TypeBool:   1,
	TypeUint8:  1,
	TypeUint16: 2,
	TypeUint32: 4,
	TypeUint64: 8,
	TypeInt8:   1,
	TypeInt16:  2,
	TypeInt32:  4,
	TypeInt64:  8,
	TypeFP16:   2,
	TypeFP32:   4,
	TypeFP64:   8,
}

func (d DataType) String() string {
	if s, ok := dtypeNames[d]; ok {
		return s
	}
	return "TYPE_INVALID"
}

// ByteSize returns the per-element byte size, or 0 for variable-length
// and invalid types.
func (d DataType) ByteSize() int64 {
	return dtypeSizes[d]
}

// ParseDataType resolves a configuration datatype name.
func ParseDataType(s string) DataType {
	for d, name := range dtypeNames {
		if name == s {
			return d
		}
	}
	return TypeInvalid
}

// MarshalText implements encoding.TextMarshaler so datatypes round-trip
// through JSON model configuration.
func (d DataType) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DataType) UnmarshalText(text []byte) error {
	dt := ParseDataType(string(text))
	if dt == TypeInvalid {
		return fmt.Errorf("unknown datatype %q", string(text))
	}
	*d = dt
	return nil
}
