/**
 * @description
 * Wire-level value model for the document store. The store is schemaless and
 * encodes every field as a tagged union (`stringValue`, `integerValue`,
 * `doubleValue`, ...). This file keeps that shape at the client boundary;
 * the rest of the service converts documents into typed models immediately
 * and never handles tagged values directly.
 *
 * @notes
 * - `integerValue` is string-encoded on the wire, matching the store's JSON
 *   representation of 64-bit integers.
 */
package docstore

import (
	"strconv"
	"time"
)

// Value is one tagged-union field value. Exactly one member is set.
type Value struct {
	StringValue    *string     `json:"stringValue,omitempty"`
	IntegerValue   *string     `json:"integerValue,omitempty"`
	DoubleValue    *float64    `json:"doubleValue,omitempty"`
	BooleanValue   *bool       `json:"booleanValue,omitempty"`
	TimestampValue *time.Time  `json:"timestampValue,omitempty"`
	MapValue       *MapValue   `json:"mapValue,omitempty"`
	ArrayValue     *ArrayValue `json:"arrayValue,omitempty"`
}

// MapValue is a nested document of tagged values.
type MapValue struct {
	Fields map[string]Value `json:"fields,omitempty"`
}

// ArrayValue is an ordered sequence of tagged values.
type ArrayValue struct {
	Values []Value `json:"values,omitempty"`
}

// Document is a single addressable document.
type Document struct {
	Name       string           `json:"name,omitempty"`
	Fields     map[string]Value `json:"fields,omitempty"`
	CreateTime string           `json:"createTime,omitempty"`
	UpdateTime string           `json:"updateTime,omitempty"`
}

// String wraps s as a stringValue.
func String(s string) Value {
	return Value{StringValue: &s}
}

// Integer wraps i as a string-encoded integerValue.
func Integer(i int64) Value {
	s := strconv.FormatInt(i, 10)
	return Value{IntegerValue: &s}
}

// Double wraps f as a doubleValue.
func Double(f float64) Value {
	return Value{DoubleValue: &f}
}

// Bool wraps b as a booleanValue.
func Bool(b bool) Value {
	return Value{BooleanValue: &b}
}

// Timestamp wraps t as a timestampValue.
func Timestamp(t time.Time) Value {
	utc := t.UTC()
	return Value{TimestampValue: &utc}
}

// Map wraps fields as a mapValue.
func Map(fields map[string]Value) Value {
	return Value{MapValue: &MapValue{Fields: fields}}
}

// Array wraps values as an arrayValue.
func Array(values ...Value) Value {
	return Value{ArrayValue: &ArrayValue{Values: values}}
}

// AsString returns the stringValue member, if set.
func (v Value) AsString() (string, bool) {
	if v.StringValue == nil {
		return "", false
	}
	return *v.StringValue, true
}

// AsInt64 returns the value as an int64. It accepts an integerValue directly;
// a doubleValue is accepted only when it is exactly integral, because balances
// written by older clients mix both encodings.
func (v Value) AsInt64() (int64, bool) {
	if v.IntegerValue != nil {
		i, err := strconv.ParseInt(*v.IntegerValue, 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	}
	if v.DoubleValue != nil {
		f := *v.DoubleValue
		i := int64(f)
		if float64(i) != f {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

// AsFloat64 returns the value as a float64 from either numeric encoding.
func (v Value) AsFloat64() (float64, bool) {
	if v.DoubleValue != nil {
		return *v.DoubleValue, true
	}
	if v.IntegerValue != nil {
		i, err := strconv.ParseInt(*v.IntegerValue, 10, 64)
		if err != nil {
			return 0, false
		}
		return float64(i), true
	}
	return 0, false
}

// AsTime returns the timestampValue member, if set.
func (v Value) AsTime() (time.Time, bool) {
	if v.TimestampValue == nil {
		return time.Time{}, false
	}
	return *v.TimestampValue, true
}

// MapFields returns the nested fields of a mapValue, or nil.
func (v Value) MapFields() map[string]Value {
	if v.MapValue == nil {
		return nil
	}
	return v.MapValue.Fields
}

// Elements returns the values of an arrayValue, or nil.
func (v Value) Elements() []Value {
	if v.ArrayValue == nil {
		return nil
	}
	return v.ArrayValue.Values
}
