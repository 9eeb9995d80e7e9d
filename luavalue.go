package weft

import (
	"fmt"
	"math"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// goToLua converts a decoded JSON value (as produced by encoding/json's
// default interface{} unmarshaling) into a Lua value. Used by the Boundary
// Glue to hand a parsed request body to a handler (spec §4.9).
func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch vv := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(vv)
	case float64:
		return lua.LNumber(vv)
	case string:
		return lua.LString(vv)
	case []interface{}:
		t := L.NewTable()
		for i, e := range vv {
			t.RawSetInt(i+1, goToLua(L, e))
		}
		return t
	case map[string]interface{}:
		t := L.NewTable()
		for k, e := range vv {
			t.RawSetString(k, goToLua(L, e))
		}
		return t
	default:
		return lua.LNil
	}
}

// luaToGo converts a Lua value into a plain Go value suitable for
// json.Marshal, implementing the Response Encoder's JSON rules (spec
// §4.6, §9): arrays are distinguished from maps by a dense
// positive-integer-keys-starting-at-1 heuristic, non-finite numbers are
// rejected, and table cycles are rejected rather than serialized.
func luaToGo(v lua.LValue, seen map[*lua.LTable]bool) (interface{}, error) {
	switch vv := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(vv), nil
	case lua.LNumber:
		f := float64(vv)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("weft: non-finite number cannot be encoded as JSON")
		}
		return f, nil
	case lua.LString:
		return string(vv), nil
	case *lua.LTable:
		if seen[vv] {
			return nil, fmt.Errorf("weft: cyclic table cannot be encoded as JSON")
		}
		seen[vv] = true
		defer delete(seen, vv)

		if isArrayLike(vv) {
			n := vv.Len()
			arr := make([]interface{}, 0, n)
			for i := 1; i <= n; i++ {
				ev, err := luaToGo(vv.RawGetInt(i), seen)
				if err != nil {
					return nil, err
				}
				arr = append(arr, ev)
			}
			return arr, nil
		}

		m := map[string]interface{}{}
		var rangeErr error
		vv.ForEach(func(k, val lua.LValue) {
			if rangeErr != nil {
				return
			}
			gv, err := luaToGo(val, seen)
			if err != nil {
				rangeErr = err
				return
			}
			m[k.String()] = gv
		})
		if rangeErr != nil {
			return nil, rangeErr
		}
		return m, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("weft: value of type %s cannot be encoded as JSON", v.Type())
	}
}

// isArrayLike implements the "dense positive-integer keys starting at 1"
// heuristic named as an Open Question in spec §9: a table is array-like
// when its total key count equals its `#` length and that length is
// nonzero. An empty table encodes as a JSON object, matching the common
// convention that `{}` from script code means "no fields" rather than
// "empty array".
func isArrayLike(t *lua.LTable) bool {
	n := t.Len()
	if n == 0 {
		return false
	}
	count := 0
	t.ForEach(func(k, v lua.LValue) { count++ })
	return count == n
}

// luaFieldString returns the string value of field, or "" if absent or
// not a string.
func luaFieldString(t *lua.LTable, field string) string {
	if s, ok := t.RawGetString(field).(lua.LString); ok {
		return string(s)
	}
	return ""
}

// luaFieldNumber returns the numeric value of field, or def if absent or
// not a number.
func luaFieldNumber(t *lua.LTable, field string, def float64) float64 {
	if n, ok := t.RawGetString(field).(lua.LNumber); ok {
		return float64(n)
	}
	return def
}

// luaFieldBool returns the boolean value of field.
func luaFieldBool(t *lua.LTable, field string) bool {
	return t.RawGetString(field) == lua.LTrue
}

// luaFieldStringMap reads field as a table of string→string pairs,
// tolerating non-string values by stringifying them.
func luaFieldStringMap(t *lua.LTable, field string) map[string]string {
	tbl, ok := t.RawGetString(field).(*lua.LTable)
	if !ok {
		return nil
	}
	m := map[string]string{}
	tbl.ForEach(func(k, v lua.LValue) {
		m[k.String()] = v.String()
	})
	return m
}

// luaBytesToBytes reads a `raw` builder's body field, accepting either a
// Lua string (treated as a byte string) or a table of integers 0-255.
func luaBytesToBytes(v lua.LValue) []byte {
	switch vv := v.(type) {
	case lua.LString:
		return []byte(string(vv))
	case *lua.LTable:
		n := vv.Len()
		b := make([]byte, 0, n)
		for i := 1; i <= n; i++ {
			if num, ok := vv.RawGetInt(i).(lua.LNumber); ok {
				b = append(b, byte(num))
			}
		}
		return b
	default:
		return nil
	}
}

// headerCasePreserve copies a headers table's entries onto dst without
// canonicalizing key case, satisfying spec §8's "responses preserve
// header case as produced by the handler" invariant. http.Header is a
// plain map[string][]string, so a direct assignment bypasses
// textproto.CanonicalMIMEHeaderKey the way Header.Set would not.
func headerCasePreserve(dst map[string][]string, key, value string) {
	dst[key] = append(dst[key], value)
}

// normalizeHeaderLookupKey lowercases a header name for case-insensitive
// comparison; the Response Encoder uses it to recognize a user-supplied
// content-type header.
func normalizeHeaderLookupKey(k string) string {
	return strings.ToLower(k)
}
