package cep

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/spf13/cast"
)

var (
	ErrSyntax           = errors.New("cep: syntax error")
	ErrUnknownStream    = errors.New("cep: unknown stream")
	ErrUnknownAttribute = errors.New("cep: unknown attribute")
	ErrDuplicateStream  = errors.New("cep: stream already defined")
	ErrTypeMismatch     = errors.New("cep: type mismatch")
	ErrCycle            = errors.New("cep: stream cycle")
	ErrNotRunning       = errors.New("cep: runtime is not running")
	ErrAlreadyStarted   = errors.New("cep: runtime already started")
	ErrManagerClosed    = errors.New("cep: manager is closed")
)

// StatementError reports which statement of an execution plan failed to compile.
type StatementError struct {
	Index     int
	Statement string
	Err       error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("cep: statement %d (%s): %v", e.Index+1, abbreviate(e.Statement), e.Err)
}

func (e *StatementError) Unwrap() error { return e.Err }

func abbreviate(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 60 {
		return s[:57] + "..."
	}
	return s
}

// Type is the declared type of a stream attribute.
type Type int

const (
	TypeObject Type = iota
	TypeString
	TypeInt
	TypeLong
	TypeFloat
	TypeDouble
	TypeBool
)

var typeNames = map[Type]string{
	TypeObject: "object",
	TypeString: "string",
	TypeInt:    "int",
	TypeLong:   "long",
	TypeFloat:  "float",
	TypeDouble: "double",
	TypeBool:   "bool",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// ParseType resolves a type keyword as written in a stream definition.
func ParseType(name string) (Type, error) {
	switch strings.ToLower(name) {
	case "string":
		return TypeString, nil
	case "int":
		return TypeInt, nil
	case "long":
		return TypeLong, nil
	case "float":
		return TypeFloat, nil
	case "double":
		return TypeDouble, nil
	case "bool", "boolean":
		return TypeBool, nil
	case "object":
		return TypeObject, nil
	}
	return TypeObject, fmt.Errorf("%w: unknown attribute type %q", ErrSyntax, name)
}

// zero returns the Go value used to type-check expressions against this type.
func (t Type) zero() any {
	switch t {
	case TypeString:
		return ""
	case TypeInt:
		return int(0)
	case TypeLong:
		return int64(0)
	case TypeFloat:
		return float32(0)
	case TypeDouble:
		return float64(0)
	case TypeBool:
		return false
	}
	return nil
}

// Coerce converts v into the Go representation of t.
func (t Type) Coerce(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	var (
		out any
		err error
	)
	switch t {
	case TypeString:
		out, err = cast.ToStringE(v)
	case TypeInt:
		out, err = cast.ToIntE(v)
	case TypeLong:
		out, err = cast.ToInt64E(v)
	case TypeFloat:
		out, err = cast.ToFloat32E(v)
	case TypeDouble:
		out, err = cast.ToFloat64E(v)
	case TypeBool:
		out, err = cast.ToBoolE(v)
	default:
		return v, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTypeMismatch, err)
	}
	return out, nil
}

func typeOf(rt reflect.Type) Type {
	if rt == nil {
		return TypeObject
	}
	switch rt.Kind() {
	case reflect.String:
		return TypeString
	case reflect.Bool:
		return TypeBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32:
		return TypeInt
	case reflect.Int64, reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return TypeLong
	case reflect.Float32:
		return TypeFloat
	case reflect.Float64:
		return TypeDouble
	}
	return TypeObject
}

// Attribute is a named, typed field of a stream.
type Attribute struct {
	Name string `json:"name"`
	Type Type   `json:"type"`
}

// StreamDefinition describes a stream known to a runtime.
type StreamDefinition struct {
	ID         string      `json:"id"`
	Attributes []Attribute `json:"attributes"`
	Async      bool        `json:"async"`
}

// AttributeList returns a copy of the stream attributes in declaration order.
func (d StreamDefinition) AttributeList() []Attribute {
	out := make([]Attribute, len(d.Attributes))
	copy(out, d.Attributes)
	return out
}

func (d StreamDefinition) index(name string) int {
	for i, attr := range d.Attributes {
		if attr.Name == name {
			return i
		}
	}
	return -1
}

// Event is a single row flowing through a stream.
type Event struct {
	Timestamp int64
	Data      []any
}

// StreamCallback receives events emitted on a stream. Callbacks run on the
// goroutine that processed the event.
type StreamCallback interface {
	Receive(events []Event)
}

// StreamCallbackFunc adapts a function to StreamCallback.
type StreamCallbackFunc func(events []Event)

func (f StreamCallbackFunc) Receive(events []Event) { f(events) }
