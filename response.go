package weft

import (
	"encoding/json"
	"net/http"

	lua "github.com/yuin/gopher-lua"
)

// Response is the Response Encoder's output: a materialized status,
// header set, and body, ready for the Connection Task to write to the
// wire (spec §3 "Response").
type Response struct {
	Status      int
	Header      http.Header
	Body        []byte
	ContentType string

	// Upgraded marks a response whose connection was already handed off
	// to a WebSocket (spec §1); the Connection Task and Executor both
	// skip their normal header/body-writing paths for it.
	Upgraded bool
}

// StatusError is a structured error carrying an HTTP status, a message,
// and optionally a field-level error map. Produced by the schema guard
// (schema.go) and by script-authored `error(code, message)` builder
// values; the Response Encoder knows how to unwrap it. Grounded on the
// teacher's own centralized `ErrorHandler` pattern (air.go), adapted into
// a typed error value instead of a callback signature.
type StatusError struct {
	Status  int
	Message string
	Fields  map[string]string
}

func (e *StatusError) Error() string { return e.Message }

// newStatusResponse builds the Executor Loop's canned JSON failure
// responses (400, 404, 405, 500, 503) and the docs endpoint's 404.
func newStatusResponse(status int, message string) *Response {
	body, _ := json.Marshal(map[string]string{"error": message})
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return &Response{Status: status, Header: h, Body: body, ContentType: "application/json"}
}

// statusErrorResponse converts a *StatusError into a Response, with an
// optional field-level error list serialized alongside the message (spec
// §7 "Schema/guard errors").
func statusErrorResponse(se *StatusError) *Response {
	payload := map[string]interface{}{"error": se.Message}
	if len(se.Fields) > 0 {
		payload["fields"] = se.Fields
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return newStatusResponse(http.StatusInternalServerError, "failed to encode error response")
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return &Response{Status: se.Status, Header: h, Body: body, ContentType: "application/json"}
}

// encodeHandlerResult implements the Response Encoder's contract (spec
// §4.6): convert a script-VM return value (or a raised error) into a
// Response. Grounded on the plain-table response-builder shape of
// geekip-lug's parseLuaResponse, generalized to the full builder set this
// spec names (`json`, `text`, `html`, `redirect`, `raw`, `error`,
// `no_content`) plus the "plain table encodes as JSON" default rule.
func encodeHandlerResult(ret lua.LValue, raised error) *Response {
	if raised != nil {
		if se, ok := raised.(*StatusError); ok {
			return statusErrorResponse(se)
		}
		return newStatusResponse(http.StatusInternalServerError, raised.Error())
	}

	if ret == nil || ret == lua.LNil {
		return &Response{Status: http.StatusOK, Header: http.Header{}, Body: nil, ContentType: ""}
	}

	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return encodeJSONValue(ret, http.StatusOK)
	}

	if kind, ok := tbl.RawGetString("__kind").(lua.LString); ok {
		return encodeBuilder(string(kind), tbl)
	}

	return encodeJSONValue(tbl, http.StatusOK)
}

// encodeBuilder dispatches on a response builder's `__kind` tag, matching
// the helpers exposed to scripts by vm.go's `api` table (spec §4.6).
func encodeBuilder(kind string, tbl *lua.LTable) *Response {
	status := int(luaFieldNumber(tbl, "status", 0))
	headerPairs := luaFieldStringMap(tbl, "headers")

	var resp *Response
	switch kind {
	case "json":
		if status == 0 {
			status = http.StatusOK
		}
		resp = encodeJSONValue(tbl.RawGetString("body"), status)
	case "text":
		if status == 0 {
			status = http.StatusOK
		}
		resp = &Response{Status: status, Header: http.Header{}, Body: []byte(luaFieldString(tbl, "body")), ContentType: "text/plain; charset=utf-8"}
		resp.Header.Set("Content-Type", resp.ContentType)
	case "html":
		if status == 0 {
			status = http.StatusOK
		}
		resp = &Response{Status: status, Header: http.Header{}, Body: []byte(luaFieldString(tbl, "body")), ContentType: "text/html; charset=utf-8"}
		resp.Header.Set("Content-Type", resp.ContentType)
	case "redirect":
		permanent := luaFieldBool(tbl, "permanent")
		if status == 0 {
			if permanent {
				status = http.StatusMovedPermanently
			} else {
				status = http.StatusFound
			}
		}
		resp = &Response{Status: status, Header: http.Header{}, Body: []byte{}}
		resp.Header.Set("Location", luaFieldString(tbl, "location"))
	case "raw":
		if status == 0 {
			status = http.StatusOK
		}
		resp = &Response{Status: status, Header: http.Header{}, Body: luaBytesToBytes(tbl.RawGetString("body"))}
	case "error":
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return statusErrorResponse(&StatusError{
			Status:  status,
			Message: luaFieldString(tbl, "message"),
			Fields:  luaFieldStringMap(tbl, "fields"),
		})
	case "no_content":
		resp = &Response{Status: http.StatusNoContent, Header: http.Header{}, Body: []byte{}}
	default:
		resp = encodeJSONValue(tbl, http.StatusOK)
	}

	// User headers override defaults; content-type set by the builder
	// is only overridden when `headers` names it explicitly (spec
	// §4.6 "Rules").
	for k, v := range headerPairs {
		resp.Header.Del(k)
		headerCasePreserve(resp.Header, k, v)
		if normalizeHeaderLookupKey(k) == "content-type" {
			resp.ContentType = v
		}
	}

	return resp
}

// encodeJSONValue serializes a Lua value as the JSON body of a status
// response, per spec §4.6's "plain associative structure" and
// §9's cyclic-graph and non-finite-number rules.
func encodeJSONValue(v lua.LValue, status int) *Response {
	goVal, err := luaToGo(v, map[*lua.LTable]bool{})
	if err != nil {
		return newStatusResponse(http.StatusInternalServerError, "failed to encode response: "+err.Error())
	}

	body, err := json.Marshal(goVal)
	if err != nil {
		return newStatusResponse(http.StatusInternalServerError, "failed to encode response: "+err.Error())
	}

	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return &Response{Status: status, Header: h, Body: body, ContentType: "application/json"}
}
