package hookgen

import (
	"fmt"
	"reflect"
	"runtime"

	"github.com/k2io/hookgen/internal/abi"
)

// SignatureOf derives a static native signature from a Go func value or func
// type, so that C-compatible handler signatures can be declared in Go.
func SignatureOf(fn interface{}) (abi.Signature, error) {
	var sig abi.Signature
	t, ok := fn.(reflect.Type)
	if !ok {
		v := reflect.ValueOf(fn)
		if v.Kind() != reflect.Func {
			return sig, ErrInputType
		}
		t = v.Type()
		if !v.IsNil() {
			if f := runtime.FuncForPC(v.Pointer()); f != nil {
				sig.Name = f.Name()
			}
		}
	}
	if t.Kind() != reflect.Func || t.IsVariadic() || t.NumOut() > 1 {
		return sig, ErrInputType
	}
	for i := 0; i < t.NumIn(); i++ {
		d, err := abi.FromReflect(t.In(i))
		if err != nil {
			return sig, fmt.Errorf("%w: parameter %d: %v", ErrInputType, i, err)
		}
		sig.Params = append(sig.Params, abi.Param{Name: fmt.Sprintf("p%d", i), Type: d})
	}
	if t.NumOut() == 1 {
		d, err := abi.FromReflect(t.Out(0))
		if err != nil {
			return sig, fmt.Errorf("%w: result: %v", ErrInputType, err)
		}
		sig.Return = &d
	}
	return sig, nil
}
