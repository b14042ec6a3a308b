package dispatch

import (
	"context"
	"fmt"
	"reflect"

	"wirebus/codec"
	"wirebus/message"
	"wirebus/signature"
)

// Export registers every suitable exported method of rcvr as a member of
// iface at path. A method qualifies when its first parameter is a
// context.Context, its last result is error, and every remaining
// parameter and result maps to a wire type. Other methods are skipped.
//
//	func (s *Calc) Add(ctx context.Context, a, b int32) (int32, error)
//
// becomes member "Add" with input signature "ii" and output "i".
func (r *Registry) Export(rcvr any, path codec.ObjectPath, iface string) error {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr || typ.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("dispatch: receiver must be a pointer to struct, got %v", typ)
	}
	val := reflect.ValueOf(rcvr)

	exported := 0
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		method, ok := buildMethod(val, m)
		if !ok {
			continue
		}
		r.RegisterMethod(path, iface, m.Name, method)
		exported++
	}
	if exported == 0 {
		return fmt.Errorf("dispatch: %s has no exportable methods", typ.Elem().Name())
	}
	return nil
}

var (
	ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType = reflect.TypeOf((*error)(nil)).Elem()
)

func buildMethod(rcvr reflect.Value, m reflect.Method) (*Method, bool) {
	mt := m.Type
	if mt.NumIn() < 2 || mt.In(1) != ctxType {
		return nil, false
	}
	if mt.NumOut() < 1 || mt.Out(mt.NumOut()-1) != errType {
		return nil, false
	}

	var inSig, outSig string
	argTypes := make([]reflect.Type, 0, mt.NumIn()-2)
	for i := 2; i < mt.NumIn(); i++ {
		code, ok := sigFor(mt.In(i))
		if !ok {
			return nil, false
		}
		inSig += code
		argTypes = append(argTypes, mt.In(i))
	}
	for i := 0; i < mt.NumOut()-1; i++ {
		code, ok := sigFor(mt.Out(i))
		if !ok {
			return nil, false
		}
		outSig += code
	}

	in, err := signature.Parse(inSig)
	if err != nil {
		return nil, false
	}
	out, err := signature.Parse(outSig)
	if err != nil {
		return nil, false
	}

	fn := func(ctx context.Context, args []any) ([]any, error) {
		call := make([]reflect.Value, 0, len(args)+2)
		call = append(call, rcvr, reflect.ValueOf(ctx))
		for i, arg := range args {
			v, err := fromWire(argTypes[i], arg)
			if err != nil {
				return nil, &Error{Name: message.ErrNameInvalidArgs, Text: err.Error()}
			}
			call = append(call, v)
		}

		results := m.Func.Call(call)
		if last := results[len(results)-1]; !last.IsNil() {
			return nil, last.Interface().(error)
		}
		out := make([]any, 0, len(results)-1)
		for _, res := range results[:len(results)-1] {
			out = append(out, toWire(res))
		}
		return out, nil
	}

	return &Method{In: in, Out: out, Fn: fn}, true
}

var wireCodes = map[reflect.Type]string{
	reflect.TypeOf(false):                "b",
	reflect.TypeOf(byte(0)):              "y",
	reflect.TypeOf(int16(0)):             "n",
	reflect.TypeOf(uint16(0)):            "q",
	reflect.TypeOf(int32(0)):             "i",
	reflect.TypeOf(uint32(0)):            "u",
	reflect.TypeOf(int64(0)):             "x",
	reflect.TypeOf(uint64(0)):            "t",
	reflect.TypeOf(float64(0)):           "d",
	reflect.TypeOf(""):                   "s",
	reflect.TypeOf(codec.ObjectPath("")): "o",
	reflect.TypeOf(codec.UnixFD(0)):      "h",
	reflect.TypeOf(codec.Variant{}):      "v",
	reflect.TypeOf(signature.Sig{}):      "g",
}

// sigFor maps a Go type to its wire signature. Slices become arrays,
// string-keyed maps become dicts; everything else is rejected.
func sigFor(t reflect.Type) (string, bool) {
	if code, ok := wireCodes[t]; ok {
		return code, true
	}
	switch t.Kind() {
	case reflect.Slice:
		elem, ok := sigFor(t.Elem())
		if !ok {
			return "", false
		}
		return "a" + elem, true
	case reflect.Map:
		key, ok := wireCodes[t.Key()]
		if !ok {
			return "", false
		}
		elem, ok := sigFor(t.Elem())
		if !ok {
			return "", false
		}
		return "a{" + key + elem + "}", true
	}
	return "", false
}

// fromWire converts a decoded value to the parameter type t. Decoded
// containers arrive as []any and map[any]any.
func fromWire(t reflect.Type, v any) (reflect.Value, error) {
	if _, direct := wireCodes[t]; direct {
		rv := reflect.ValueOf(v)
		if rv.Type() != t {
			return reflect.Value{}, fmt.Errorf("argument type %T does not match %v", v, t)
		}
		return rv, nil
	}
	switch t.Kind() {
	case reflect.Slice:
		elems, ok := v.([]any)
		if !ok {
			return reflect.Value{}, fmt.Errorf("argument type %T is not an array", v)
		}
		out := reflect.MakeSlice(t, len(elems), len(elems))
		for i, e := range elems {
			ev, err := fromWire(t.Elem(), e)
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(ev)
		}
		return out, nil
	case reflect.Map:
		entries, ok := v.(map[any]any)
		if !ok {
			return reflect.Value{}, fmt.Errorf("argument type %T is not a dict", v)
		}
		out := reflect.MakeMapWithSize(t, len(entries))
		for k, e := range entries {
			kv, err := fromWire(t.Key(), k)
			if err != nil {
				return reflect.Value{}, err
			}
			ev, err := fromWire(t.Elem(), e)
			if err != nil {
				return reflect.Value{}, err
			}
			out.SetMapIndex(kv, ev)
		}
		return out, nil
	}
	return reflect.Value{}, fmt.Errorf("unsupported parameter type %v", t)
}

// toWire converts a result value to the shape the marshaler expects.
func toWire(v reflect.Value) any {
	switch v.Kind() {
	case reflect.Slice:
		out := make([]any, v.Len())
		for i := range out {
			out[i] = toWire(v.Index(i))
		}
		return out
	case reflect.Map:
		out := make(map[any]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[toWire(iter.Key())] = toWire(iter.Value())
		}
		return out
	default:
		return v.Interface()
	}
}
