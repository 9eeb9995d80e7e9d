package weft

import (
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// FieldError is one field-level failure produced by the schema guard.
// Modeled on the Field/Rule/Message shape of arkd0ng-go-utils/validation's
// ValidationError, collapsed to what BodyView.expect actually needs.
type FieldError struct {
	Field   string
	Rule    string
	Message string
}

// validateSchema runs the schema guard described in spec §7 against a
// decoded request body. schema is a Lua table of field name → rule table,
// e.g. `{name = {type="string", required=true}, age = {type="number",
// min=0, max=130}}`. On success it returns body unchanged; on failure it
// returns a *StatusError with status 400 and a field-level message map.
func validateSchema(L *lua.LState, schema *lua.LTable, body lua.LValue) (lua.LValue, error) {
	bodyTbl, ok := body.(*lua.LTable)
	if !ok {
		return nil, &StatusError{
			Status:  400,
			Message: "request body must be a JSON object",
		}
	}

	var fieldErrs []FieldError
	schema.ForEach(func(k, v lua.LValue) {
		name, ok := k.(lua.LString)
		if !ok {
			return
		}
		rules, ok := v.(*lua.LTable)
		if !ok {
			return
		}
		if err := checkField(string(name), rules, bodyTbl.RawGetString(string(name))); err != nil {
			fieldErrs = append(fieldErrs, *err)
		}
	})

	if len(fieldErrs) > 0 {
		fields := make(map[string]string, len(fieldErrs))
		for _, fe := range fieldErrs {
			fields[fe.Field] = fe.Message
		}
		return nil, &StatusError{
			Status:  400,
			Message: "request body failed validation",
			Fields:  fields,
		}
	}

	return body, nil
}

// checkField applies one field's rule table to its value, returning a
// *FieldError on the first violated rule. Supported rules: required,
// string, number, bool, min, max, email.
func checkField(name string, rules *lua.LTable, value lua.LValue) *FieldError {
	required := luaFieldBool(rules, "required")
	missing := value == nil || value == lua.LNil

	if missing {
		if required {
			return &FieldError{Field: name, Rule: "required", Message: fmt.Sprintf("%s is required", name)}
		}
		return nil
	}

	if typ := luaFieldString(rules, "type"); typ != "" {
		if err := checkType(name, typ, value); err != nil {
			return err
		}
	}

	if n, ok := value.(lua.LNumber); ok {
		if minV, has := rules.RawGetString("min").(lua.LNumber); has && float64(n) < float64(minV) {
			return &FieldError{Field: name, Rule: "min", Message: fmt.Sprintf("%s must be >= %v", name, float64(minV))}
		}
		if maxV, has := rules.RawGetString("max").(lua.LNumber); has && float64(n) > float64(maxV) {
			return &FieldError{Field: name, Rule: "max", Message: fmt.Sprintf("%s must be <= %v", name, float64(maxV))}
		}
	}

	if s, ok := value.(lua.LString); ok {
		if luaFieldBool(rules, "email") && !looksLikeEmail(string(s)) {
			return &FieldError{Field: name, Rule: "email", Message: fmt.Sprintf("%s must be a valid email address", name)}
		}
	}

	return nil
}

// checkType validates value against the "string"/"number"/"bool" rule
// type tags.
func checkType(name, typ string, value lua.LValue) *FieldError {
	ok := true
	switch typ {
	case "string":
		_, ok = value.(lua.LString)
	case "number":
		_, ok = value.(lua.LNumber)
	case "bool":
		_, ok = value.(lua.LBool)
	}
	if !ok {
		return &FieldError{Field: name, Rule: "type", Message: fmt.Sprintf("%s must be a %s", name, typ)}
	}
	return nil
}

// looksLikeEmail is a deliberately permissive check (one "@" with
// non-empty local and domain parts) — the schema guard validates shape,
// not deliverability.
func looksLikeEmail(s string) bool {
	at := strings.IndexByte(s, '@')
	return at > 0 && at < len(s)-1 && !strings.Contains(s[at+1:], "@")
}
