// Package sizeof estimates the heap footprint of cache entries.
//
// The estimate walks the object graph of a key and a value with reflection,
// counting shallow sizes, string and slice payloads, and following pointers,
// maps, slices and interfaces. Shared pointers are counted once. A walk that
// goes deeper than MaxDepth or visits more than MaxObjects objects fails with
// a SizeLimitExceeded error instead of returning a partial size.
package sizeof

import (
	"reflect"

	cerrors "github.com/devrev/paircache/internal/errors"
)

// EntryOverhead is the fixed per-entry bookkeeping cost charged on top of the
// key and value payloads.
const EntryOverhead int64 = 64

const (
	stringHeader    = 16
	sliceHeader     = 24
	mapHeader       = 48
	interfaceHeader = 16
	pointerSize     = 8
)

// Config bounds a sizing walk. Zero means unbounded.
type Config struct {
	MaxDepth   int
	MaxObjects int64
}

// Engine computes approximate entry sizes
type Engine struct {
	cfg Config
}

// NewEngine creates a sizing engine
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// SizeOf returns the estimated size of a key/value pair including EntryOverhead
func (e *Engine) SizeOf(key, value any) (int64, error) {
	w := &walker{cfg: e.cfg, seen: make(map[uintptr]struct{})}

	ks, err := w.sizeOfAny(key)
	if err != nil {
		return 0, err
	}
	vs, err := w.sizeOfAny(value)
	if err != nil {
		return 0, err
	}
	return EntryOverhead + ks + vs, nil
}

// SizeOfValue returns the estimated size of a single object
func (e *Engine) SizeOfValue(v any) (int64, error) {
	w := &walker{cfg: e.cfg, seen: make(map[uintptr]struct{})}
	return w.sizeOfAny(v)
}

type walker struct {
	cfg     Config
	seen    map[uintptr]struct{}
	objects int64
}

func (w *walker) sizeOfAny(v any) (int64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case string:
		if err := w.visit(0); err != nil {
			return 0, err
		}
		return stringHeader + int64(len(t)), nil
	case []byte:
		if err := w.visit(0); err != nil {
			return 0, err
		}
		return sliceHeader + int64(len(t)), nil
	}
	return w.walk(reflect.ValueOf(v), 0)
}

func (w *walker) visit(depth int) error {
	if w.cfg.MaxDepth > 0 && depth > w.cfg.MaxDepth {
		return cerrors.SizeLimitExceeded("depth", int64(w.cfg.MaxDepth), nil)
	}
	w.objects++
	if w.cfg.MaxObjects > 0 && w.objects > w.cfg.MaxObjects {
		return cerrors.SizeLimitExceeded("object count", w.cfg.MaxObjects, nil)
	}
	return nil
}

// firstVisit records p and reports whether it had not been seen before
func (w *walker) firstVisit(p uintptr) bool {
	if p == 0 {
		return false
	}
	if _, ok := w.seen[p]; ok {
		return false
	}
	w.seen[p] = struct{}{}
	return true
}

func (w *walker) walk(v reflect.Value, depth int) (int64, error) {
	if !v.IsValid() {
		return 0, nil
	}
	if err := w.visit(depth); err != nil {
		return 0, err
	}

	switch v.Kind() {
	case reflect.String:
		return stringHeader + int64(v.Len()), nil

	case reflect.Ptr:
		if v.IsNil() || !w.firstVisit(v.Pointer()) {
			return pointerSize, nil
		}
		inner, err := w.walk(v.Elem(), depth+1)
		return pointerSize + inner, err

	case reflect.Interface:
		if v.IsNil() {
			return interfaceHeader, nil
		}
		inner, err := w.walk(v.Elem(), depth+1)
		return interfaceHeader + inner, err

	case reflect.Slice:
		if v.IsNil() || !w.firstVisit(v.Pointer()) {
			return sliceHeader, nil
		}
		// spare capacity depends on how the value was built, so it is not counted
		elemSize := int64(v.Type().Elem().Size())
		size := int64(sliceHeader)
		if isFlat(v.Type().Elem()) {
			return size + int64(v.Len())*elemSize, nil
		}
		for i := 0; i < v.Len(); i++ {
			es, err := w.walk(v.Index(i), depth+1)
			if err != nil {
				return 0, err
			}
			size += es
		}
		return size, nil

	case reflect.Array:
		if isFlat(v.Type().Elem()) {
			return int64(v.Type().Size()), nil
		}
		var size int64
		for i := 0; i < v.Len(); i++ {
			es, err := w.walk(v.Index(i), depth+1)
			if err != nil {
				return 0, err
			}
			size += es
		}
		return size, nil

	case reflect.Map:
		if v.IsNil() || !w.firstVisit(v.Pointer()) {
			return pointerSize, nil
		}
		size := int64(mapHeader)
		iter := v.MapRange()
		for iter.Next() {
			ks, err := w.walk(iter.Key(), depth+1)
			if err != nil {
				return 0, err
			}
			vs, err := w.walk(iter.Value(), depth+1)
			if err != nil {
				return 0, err
			}
			size += ks + vs
		}
		return size, nil

	case reflect.Struct:
		var size int64
		for i := 0; i < v.NumField(); i++ {
			fs, err := w.walk(v.Field(i), depth+1)
			if err != nil {
				return 0, err
			}
			size += fs
		}
		if shallow := int64(v.Type().Size()); size < shallow {
			size = shallow
		}
		return size, nil

	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return pointerSize, nil

	default:
		return int64(v.Type().Size()), nil
	}
}

// isFlat reports whether values of t hold no references worth following
func isFlat(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	case reflect.Array:
		return isFlat(t.Elem())
	default:
		return false
	}
}
