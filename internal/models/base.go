package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Value holds a decoded payload value: a number, a boolean or a string
type Value struct {
	v interface{}
}

// NewValue wraps a decoded value. Integers are normalised to int64 and
// other numbers to float64.
func NewValue(v interface{}) Value {
	switch n := v.(type) {
	case int:
		return Value{v: int64(n)}
	case int32:
		return Value{v: int64(n)}
	case uint8:
		return Value{v: int64(n)}
	case uint16:
		return Value{v: int64(n)}
	case uint32:
		return Value{v: int64(n)}
	case float32:
		return Value{v: float64(n)}
	}
	return Value{v: v}
}

// Interface returns the underlying value
func (v Value) Interface() interface{} {
	return v.v
}

// Bool returns the value as a boolean and whether it is one
func (v Value) Bool() (bool, bool) {
	b, ok := v.v.(bool)
	return b, ok
}

func (v Value) String() string {
	return fmt.Sprint(v.v)
}

// MarshalJSON implements json.Marshaler
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.v)
}

// UnmarshalJSON implements json.Unmarshaler
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	if n, ok := raw.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			v.v = i
			return nil
		}
		f, err := n.Float64()
		if err != nil {
			return err
		}
		v.v = f
		return nil
	}

	v.v = raw
	return nil
}

// Value implements driver.Valuer interface
func (v Value) Value() (driver.Value, error) {
	return json.Marshal(v.v)
}

// Scan implements sql.Scanner interface
func (v *Value) Scan(value interface{}) error {
	switch data := value.(type) {
	case nil:
		v.v = nil
		return nil
	case []byte:
		return v.UnmarshalJSON(data)
	case string:
		return v.UnmarshalJSON([]byte(data))
	default:
		return fmt.Errorf("cannot scan %T into Value", value)
	}
}
