package memo

import (
	"fmt"
	"reflect"
	"weak"

	"github.com/cespare/xxhash/v2"
)

// Key identifies a cached computation. Every field must hold a comparable
// value; wrap arbitrary values with Identity.
type Key struct {
	Namespace string
	// Location is the defining location: a file path or "programmatic".
	Location string
	// Owner is the entry id of the computation that declared the input.
	Owner   uint64
	Value   any
	Options any
	Name    string
	Dirname string
	Env     string
}

type pointerIdentity struct {
	typ reflect.Type
	ptr uintptr
	len int
}

type structuralIdentity struct {
	typ  reflect.Type
	hash uint64
}

// Identity returns a comparable stand-in for v. Maps, slices, pointers,
// funcs and channels compare by reference, so a fresh but equal map is a
// different identity. Comparable values stand for themselves. Anything else
// is fingerprinted structurally.
func Identity(v any) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Pointer, reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return pointerIdentity{typ: rv.Type(), ptr: rv.Pointer()}
	case reflect.Slice:
		return pointerIdentity{typ: rv.Type(), ptr: rv.Pointer(), len: rv.Len()}
	}
	if rv.Comparable() {
		return v
	}
	return structuralIdentity{
		typ:  rv.Type(),
		hash: xxhash.Sum64String(fmt.Sprintf("%#v", v)),
	}
}

// weakRefs holds the reference-typed values among raw weakly. An entry must
// not keep the values its key was derived from reachable: once one of them is
// collected the entry can never be hit again, and its address may be reused by
// an unrelated value with the same identity.
func weakRefs(raw []any) []weak.Pointer[byte] {
	var out []weak.Pointer[byte]
	for _, v := range raw {
		if v == nil {
			continue
		}
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Map, reflect.Slice, reflect.Pointer, reflect.Chan:
			if p := rv.UnsafePointer(); p != nil {
				out = append(out, weak.Make((*byte)(p)))
			}
		}
	}
	return out
}
