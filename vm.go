package weft

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// VM wraps the single *lua.LState pinned to the Executor Loop for the
// server's entire lifetime (spec §5 "the VM itself is pinned to the
// Executor Loop's task and never crosses threads"). Grounded on
// gopher-lua, committed to in SPEC_FULL.md §B over the pooled-LState
// pattern shown by the geekip-lug reference, since that pattern exists
// precisely to let many short-lived VMs run concurrently — the opposite
// of what this spec requires.
type VM struct {
	L *lua.LState
}

// NewVM creates the single script VM instance and registers the host API
// (the `api` response-builder table and the `weft` helper table) that
// scripts use to build responses and route trees (spec §4.6, §4.1).
func NewVM() *VM {
	vm := &VM{L: lua.NewState()}
	vm.registerAPI()
	return vm
}

// Close releases the VM's resources. Only safe to call after the
// Executor Loop has stopped.
func (vm *VM) Close() {
	vm.L.Close()
}

// LoadScript executes the script at path, which is expected to leave a
// `routes` global (the handler tree consumed by BuildRouteTable) and,
// optionally, an `on_error` global function.
func (vm *VM) LoadScript(path string) error {
	if err := vm.L.DoFile(path); err != nil {
		return fmt.Errorf("weft: failed to load script %q: %w", path, err)
	}
	return nil
}

// Routes returns the script's exported `routes` global, or an error if it
// is missing or not a table.
func (vm *VM) Routes() (*lua.LTable, error) {
	v := vm.L.GetGlobal("routes")
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("weft: script must export a `routes` table, got %s", v.Type())
	}
	return tbl, nil
}

// ErrorHandlerRef returns the script's optional `on_error` global
// function as a HandlerRef, or the zero value if none was registered
// (spec §4.5 step 6, SPEC_FULL.md §C).
func (vm *VM) ErrorHandlerRef() (HandlerRef, bool) {
	v := vm.L.GetGlobal("on_error")
	fn, ok := v.(*lua.LFunction)
	if !ok {
		return HandlerRef{}, false
	}
	return HandlerRef{fn: fn}, true
}

// invokeHandler calls h with a freshly built context table for pr/params,
// returning the handler's single return value or the error it raised
// (spec §4.5 step 5). Grounded on the PCall-based invocation in
// geekip-lug's handleRoute.
func (vm *VM) invokeHandler(h HandlerRef, pr *PendingRequest, params map[string]string) (lua.LValue, error) {
	L := vm.L
	rc := newRequestContext(pr, params)

	L.Push(h.fn)
	L.Push(vm.buildContextTable(rc))

	if err := L.PCall(1, 1, nil); err != nil {
		return nil, unwrapLuaError(err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	return ret, nil
}

// invokeErrorHandler calls a user-registered on_error handler with the
// raised error, converting its return value the same way a normal
// handler's return value is converted (spec §4.5 step 6).
func (vm *VM) invokeErrorHandler(h HandlerRef, raised error) (lua.LValue, error) {
	L := vm.L
	errTbl := L.NewTable()
	if se, ok := raised.(*StatusError); ok {
		errTbl.RawSetString("status", lua.LNumber(se.Status))
		errTbl.RawSetString("message", lua.LString(se.Message))
	} else {
		errTbl.RawSetString("status", lua.LNumber(500))
		errTbl.RawSetString("message", lua.LString(raised.Error()))
	}

	L.Push(h.fn)
	L.Push(errTbl)
	if err := L.PCall(1, 1, nil); err != nil {
		return nil, unwrapLuaError(err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return ret, nil
}

// unwrapLuaError converts a gopher-lua PCall error into a *StatusError.
// Both script-raised error tables (via api.error / ctx:body():expect) and
// plain string errors are recognized.
func unwrapLuaError(err error) error {
	apiErr, ok := err.(*lua.ApiError)
	if !ok {
		return err
	}
	if tbl, ok := apiErr.Object.(*lua.LTable); ok {
		status := int(luaFieldNumber(tbl, "status", 500))
		msg := luaFieldString(tbl, "message")
		if msg == "" {
			msg = apiErr.Object.String()
		}
		return &StatusError{Status: status, Message: msg, Fields: luaFieldStringMap(tbl, "fields")}
	}
	return &StatusError{Status: 500, Message: apiErr.Object.String()}
}

// raiseStatusError raises se as a Lua error table shaped like the
// `error(code, message)` builder's return value, so unwrapLuaError and
// the Response Encoder's `error` builder branch share one representation.
func raiseStatusError(L *lua.LState, se *StatusError) {
	t := L.NewTable()
	t.RawSetString("__kind", lua.LString("error"))
	t.RawSetString("status", lua.LNumber(se.Status))
	t.RawSetString("message", lua.LString(se.Message))
	if len(se.Fields) > 0 {
		ft := L.NewTable()
		for k, v := range se.Fields {
			ft.RawSetString(k, lua.LString(v))
		}
		t.RawSetString("fields", ft)
	}
	L.Error(lua.LValue(t), 1)
}

// buildContextTable assembles the Request Context object of spec §4.9:
// `method`/`path` are eager string fields; `headers`/`query`/`params`/
// `body` are functions that lazily materialize through rc; `get`/`set`
// expose the scratch channel.
func (vm *VM) buildContextTable(rc *requestContext) *lua.LTable {
	L := vm.L
	ctx := L.NewTable()
	ctx.RawSetString("method", lua.LString(rc.pr.Method))
	ctx.RawSetString("path", lua.LString(rc.pr.Path))

	ctx.RawSetString("headers", L.NewFunction(func(L *lua.LState) int {
		L.Push(rc.headers(L))
		return 1
	}))
	ctx.RawSetString("query", L.NewFunction(func(L *lua.LState) int {
		L.Push(rc.query(L))
		return 1
	}))
	ctx.RawSetString("params", L.NewFunction(func(L *lua.LState) int {
		L.Push(rc.paramsLua(L))
		return 1
	}))
	ctx.RawSetString("body", L.NewFunction(func(L *lua.LState) int {
		L.Push(vm.buildBodyView(rc))
		return 1
	}))
	ctx.RawSetString("upgrade", L.NewFunction(func(L *lua.LState) int {
		if rc.pr.Upgrade == nil {
			raiseStatusError(L, &StatusError{Status: 500, Message: "websocket upgrade is not available for this request"})
		}
		ws, err := rc.pr.Upgrade()
		if err != nil {
			raiseStatusError(L, &StatusError{Status: 500, Message: "websocket upgrade failed: " + err.Error()})
		}
		rc.pr.Upgraded = true
		L.Push(vm.buildWebSocketTable(ws))
		return 1
	}))
	ctx.RawSetString("get", L.NewFunction(func(L *lua.LState) int {
		key := L.CheckString(2)
		L.Push(rc.get(key))
		return 1
	}))
	ctx.RawSetString("set", L.NewFunction(func(L *lua.LState) int {
		key := L.CheckString(2)
		val := L.Get(3)
		rc.set(key, val)
		return 0
	}))

	return ctx
}

// buildBodyView assembles the BodyView object of spec §4.9: json(), text(),
// bytes(), and the schema-guarded expect(schema).
func (vm *VM) buildBodyView(rc *requestContext) *lua.LTable {
	L := vm.L
	bv := L.NewTable()

	bv.RawSetString("json", L.NewFunction(func(L *lua.LState) int {
		v, err := rc.bodyJSON(L)
		if err != nil {
			raiseStatusError(L, err.(*StatusError))
		}
		L.Push(v)
		return 1
	}))
	bv.RawSetString("text", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(rc.bodyText()))
		return 1
	}))
	bv.RawSetString("bytes", L.NewFunction(func(L *lua.LState) int {
		L.Push(rc.bodyBytes(L))
		return 1
	}))
	bv.RawSetString("expect", L.NewFunction(func(L *lua.LState) int {
		schema := L.CheckTable(2)
		v, err := rc.bodyExpect(L, schema)
		if err != nil {
			raiseStatusError(L, err.(*StatusError))
		}
		L.Push(v)
		return 1
	}))

	return bv
}

// buildWebSocketTable wraps ws as a Lua-callable table exposing the same
// small write surface the teacher's own WebSocket type offered
// (websocket.go): text/binary writes, a close frame, a plain close, and a
// blocking read. Framing beyond this handoff is an external collaborator's
// concern (spec §1); read() is provided only because the teacher's own
// type already had one, and calling it blocks the single script VM for as
// long as the script's own websocket session runs.
func (vm *VM) buildWebSocketTable(ws *WebSocketConn) *lua.LTable {
	L := vm.L
	t := L.NewTable()

	t.RawSetString("write_text", L.NewFunction(func(L *lua.LState) int {
		text := L.CheckString(2)
		if err := ws.WriteText(text); err != nil {
			raiseStatusError(L, &StatusError{Status: 500, Message: "websocket write failed: " + err.Error()})
		}
		return 0
	}))
	t.RawSetString("write_binary", L.NewFunction(func(L *lua.LState) int {
		b := luaBytesToBytes(L.Get(2))
		if err := ws.WriteBinary(b); err != nil {
			raiseStatusError(L, &StatusError{Status: 500, Message: "websocket write failed: " + err.Error()})
		}
		return 0
	}))
	t.RawSetString("write_close", L.NewFunction(func(L *lua.LState) int {
		code := L.OptInt(2, 1000)
		reason := L.OptString(3, "")
		if err := ws.WriteConnectionClose(code, reason); err != nil {
			raiseStatusError(L, &StatusError{Status: 500, Message: "websocket write failed: " + err.Error()})
		}
		return 0
	}))
	t.RawSetString("close", L.NewFunction(func(L *lua.LState) int {
		if err := ws.Close(); err != nil {
			raiseStatusError(L, &StatusError{Status: 500, Message: "websocket close failed: " + err.Error()})
		}
		return 0
	}))
	t.RawSetString("read", L.NewFunction(func(L *lua.LState) int {
		messageType, payload, err := ws.ReadMessage()
		if err != nil {
			raiseStatusError(L, &StatusError{Status: 500, Message: "websocket read failed: " + err.Error()})
		}
		L.Push(lua.LNumber(messageType))
		L.Push(lua.LString(payload))
		return 2
	}))

	return t
}

// registerAPI installs the `api` response-builder table and the `weft`
// helper table as globals, matching the host-function-registration
// pattern of geekip-lug's routerLoader, generalized to the builder set
// named in spec §4.6.
func (vm *VM) registerAPI() {
	L := vm.L

	api := L.NewTable()
	api.RawSetString("json", vm.buildBodyBuilderAPI("json", "body"))
	api.RawSetString("text", vm.buildBodyBuilderAPI("text", "body"))
	api.RawSetString("html", vm.buildBodyBuilderAPI("html", "body"))
	api.RawSetString("raw", vm.buildBodyBuilderAPI("raw", "body"))
	api.RawSetString("redirect", vm.buildRedirectAPI())
	api.RawSetString("error", L.NewFunction(apiError))
	api.RawSetString("no_content", L.NewFunction(apiNoContent))
	L.SetGlobal("api", api)

	weftTbl := L.NewTable()
	weftTbl.RawSetString("group", L.NewFunction(weftGroup))
	L.SetGlobal("weft", weftTbl)
}

// buildBodyBuilderAPI builds the callable-table shape shared by json,
// text, html, and raw: calling it directly (`json(body)`) produces a
// default-status builder table; calling `:status(code, body)` on it
// produces one with an explicit status (spec §4.6).
func (vm *VM) buildBodyBuilderAPI(kind, bodyField string) *lua.LTable {
	L := vm.L
	t := L.NewTable()

	mt := L.NewTable()
	mt.RawSetString("__call", L.NewFunction(func(L *lua.LState) int {
		body := L.Get(2)
		L.Push(makeBuilderTable(L, kind, 0, bodyField, body))
		return 1
	}))
	L.SetMetatable(t, mt)

	t.RawSetString("status", L.NewFunction(func(L *lua.LState) int {
		code := L.CheckInt(2)
		body := L.Get(3)
		L.Push(makeBuilderTable(L, kind, code, bodyField, body))
		return 1
	}))

	return t
}

// buildRedirectAPI builds the `redirect` callable table: `redirect(loc)`,
// `redirect:permanent(loc)`, `redirect:status(code, loc)` (spec §4.6).
func (vm *VM) buildRedirectAPI() *lua.LTable {
	L := vm.L
	t := L.NewTable()

	mt := L.NewTable()
	mt.RawSetString("__call", L.NewFunction(func(L *lua.LState) int {
		loc := L.CheckString(2)
		L.Push(makeRedirectTable(L, 0, loc, false))
		return 1
	}))
	L.SetMetatable(t, mt)

	t.RawSetString("permanent", L.NewFunction(func(L *lua.LState) int {
		loc := L.CheckString(2)
		L.Push(makeRedirectTable(L, 0, loc, true))
		return 1
	}))
	t.RawSetString("status", L.NewFunction(func(L *lua.LState) int {
		code := L.CheckInt(2)
		loc := L.CheckString(3)
		L.Push(makeRedirectTable(L, code, loc, false))
		return 1
	}))

	return t
}

func makeBuilderTable(L *lua.LState, kind string, status int, bodyField string, body lua.LValue) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("__kind", lua.LString(kind))
	if status != 0 {
		t.RawSetString("status", lua.LNumber(status))
	}
	t.RawSetString(bodyField, body)
	return t
}

func makeRedirectTable(L *lua.LState, status int, location string, permanent bool) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("__kind", lua.LString("redirect"))
	if status != 0 {
		t.RawSetString("status", lua.LNumber(status))
	}
	t.RawSetString("location", lua.LString(location))
	if permanent {
		t.RawSetString("permanent", lua.LTrue)
	}
	return t
}

// apiError implements the `error(code, message)` builder (spec §4.6): a
// plain function (not a callable table), since it takes no `:status`
// variant.
func apiError(L *lua.LState) int {
	code := L.CheckInt(1)
	msg := L.OptString(2, "")
	t := L.NewTable()
	t.RawSetString("__kind", lua.LString("error"))
	t.RawSetString("status", lua.LNumber(code))
	t.RawSetString("message", lua.LString(msg))
	if L.GetTop() >= 3 {
		if fields, ok := L.Get(3).(*lua.LTable); ok {
			t.RawSetString("fields", fields)
		}
	}
	L.Push(t)
	return 1
}

// apiNoContent implements the `no_content()` builder (spec §4.6).
func apiNoContent(L *lua.LState) int {
	t := L.NewTable()
	t.RawSetString("__kind", lua.LString("no_content"))
	L.Push(t)
	return 1
}

// weftGroup implements the Lua-side `weft.group(prefix, tbl)` sugar for
// nesting a handler subtree under a literal path segment, folding the
// teacher's Group type (group.go) into a script-side helper since route
// registration here is driven by walking a Lua table (spec §4.1) rather
// than imperative Go calls.
func weftGroup(L *lua.LState) int {
	prefix := L.CheckString(1)
	tbl := L.CheckTable(2)
	out := L.NewTable()
	out.RawSetString(prefix, tbl)
	L.Push(out)
	return 1
}
