package abi

import (
	"fmt"
	"reflect"
	"strconv"
)

// FromReflect derives a ParameterDescriptor from a Go type laid out by the gc
// toolchain for arm64.
func FromReflect(t reflect.Type) (ParameterDescriptor, error) {
	d := ParameterDescriptor{Name: t.String(), Size: int(t.Size()), Align: t.Align()}
	switch t.Kind() {
	case reflect.Bool:
		d.Kind = KindIntegral
		d.Boolean = true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		d.Kind = KindIntegral
	case reflect.Float32, reflect.Float64:
		d.Kind = KindFloat
	case reflect.Pointer, reflect.UnsafePointer, reflect.Func, reflect.Chan, reflect.Map:
		d.Kind = KindPointer
	case reflect.Struct:
		d.Kind = KindComposite
		for i := 0; i < t.NumField(); i++ {
			sf := t.Field(i)
			ft, err := FromReflect(sf.Type)
			if err != nil {
				return d, fmt.Errorf("field %s: %w", sf.Name, err)
			}
			d.Fields = append(d.Fields, FieldDescriptor{Name: sf.Name, Type: ft, Offset: int(sf.Offset)})
		}
	case reflect.Array:
		d.Kind = KindComposite
		et, err := FromReflect(t.Elem())
		if err != nil {
			return d, err
		}
		for i := 0; i < t.Len(); i++ {
			d.Fields = append(d.Fields, FieldDescriptor{Name: "[" + strconv.Itoa(i) + "]", Type: et, Offset: i * et.Size})
		}
	case reflect.String:
		d.Kind = KindComposite
		d.Fields = []FieldDescriptor{
			{Name: "ptr", Type: Pointer},
			{Name: "len", Type: Int64, Offset: 8},
		}
	case reflect.Slice:
		d.Kind = KindComposite
		d.Fields = []FieldDescriptor{
			{Name: "ptr", Type: Pointer},
			{Name: "len", Type: Int64, Offset: 8},
			{Name: "cap", Type: Int64, Offset: 16},
		}
	case reflect.Interface:
		d.Kind = KindComposite
		d.Fields = []FieldDescriptor{
			{Name: "type", Type: Pointer},
			{Name: "data", Type: Pointer, Offset: 8},
		}
	default:
		return d, &LayoutError{Index: -1, Type: d, Reason: "no descriptor for Go kind " + t.Kind().String()}
	}
	return d, nil
}
