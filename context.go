package weft

import (
	"encoding/json"
	"net/url"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// requestContext is the Boundary Glue value of spec §4.9: built
// immediately before a handler call, discarded immediately after.
// headers()/query()/params()/body() each materialize their backing table
// on first access and cache it for the rest of the request; method and
// path are plain Go strings, exposed as cheap fields by the Lua context
// table built in vm.go's buildContextTable.
type requestContext struct {
	pr     *PendingRequest
	params map[string]string

	headersTable *lua.LTable
	queryTable   *lua.LTable
	paramsTable  *lua.LTable

	scratch map[string]lua.LValue
}

func newRequestContext(pr *PendingRequest, params map[string]string) *requestContext {
	return &requestContext{pr: pr, params: params, scratch: map[string]lua.LValue{}}
}

// headers lazily builds the case-insensitive headers table: every header
// is set both under its original case (for iteration, spec §9) and under
// its lowercased form (for the common `headers().authorization`-style
// lookup).
func (rc *requestContext) headers(L *lua.LState) *lua.LTable {
	if rc.headersTable != nil {
		return rc.headersTable
	}
	t := L.NewTable()
	for k, vs := range rc.pr.Header {
		if len(vs) == 0 {
			continue
		}
		t.RawSetString(k, lua.LString(vs[0]))
		lower := strings.ToLower(k)
		if lower != k {
			t.RawSetString(lower, lua.LString(vs[0]))
		}
	}
	rc.headersTable = t
	return t
}

// query lazily parses the raw query string into a table of first-value
// pairs (spec §4.3 "query string is split at ? and decoded into
// key/value pairs").
func (rc *requestContext) query(L *lua.LState) *lua.LTable {
	if rc.queryTable != nil {
		return rc.queryTable
	}
	t := L.NewTable()
	values, _ := url.ParseQuery(rc.pr.RawQuery)
	for k, vs := range values {
		if len(vs) > 0 {
			t.RawSetString(k, lua.LString(vs[0]))
		}
	}
	rc.queryTable = t
	return t
}

// paramsLua lazily builds the path-parameter table bound by the Fast
// Router's match (spec §4.2).
func (rc *requestContext) paramsLua(L *lua.LState) *lua.LTable {
	if rc.paramsTable != nil {
		return rc.paramsTable
	}
	t := L.NewTable()
	for k, v := range rc.params {
		t.RawSetString(k, lua.LString(v))
	}
	rc.paramsTable = t
	return t
}

// bodyJSON decodes the request body as JSON, returning a Lua nil for an
// empty body. A malformed body fails the request with a 400 (spec §4.9).
func (rc *requestContext) bodyJSON(L *lua.LState) (lua.LValue, error) {
	if len(rc.pr.Body) == 0 {
		return lua.LNil, nil
	}
	var v interface{}
	if err := json.Unmarshal(rc.pr.Body, &v); err != nil {
		return nil, &StatusError{Status: 400, Message: "invalid JSON body: " + err.Error()}
	}
	return goToLua(L, v), nil
}

// bodyText returns the body decoded as UTF-8, replacing invalid
// sequences rather than failing (spec §4.9).
func (rc *requestContext) bodyText() string {
	return strings.ToValidUTF8(string(rc.pr.Body), "�")
}

// bodyBytes returns the raw body as a 1-based table of byte values (spec
// §4.9).
func (rc *requestContext) bodyBytes(L *lua.LState) *lua.LTable {
	t := L.NewTable()
	for i, b := range rc.pr.Body {
		t.RawSetInt(i+1, lua.LNumber(b))
	}
	return t
}

// bodyExpect decodes the body as JSON and runs it through the schema
// guard (schema.go), per spec §4.9's `expect(schema)`.
func (rc *requestContext) bodyExpect(L *lua.LState, schema *lua.LTable) (lua.LValue, error) {
	v, err := rc.bodyJSON(L)
	if err != nil {
		return nil, err
	}
	return validateSchema(L, schema, v)
}

// get/set implement the scratch channel of spec §4.9: arbitrary
// per-request values a `before` hook can leave for the handler.
func (rc *requestContext) get(key string) lua.LValue {
	if v, ok := rc.scratch[key]; ok {
		return v
	}
	return lua.LNil
}

func (rc *requestContext) set(key string, v lua.LValue) {
	rc.scratch[key] = v
}
