package weft

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	lua "github.com/yuin/gopher-lua"
)

// recognizedMethods are the HTTP verbs the route tree walk accepts as leaf
// keys, per the Method enumeration of spec §3. Unlike the teacher's router,
// which also recognizes CONNECT/TRACE for its own Handler type, this list
// is restricted to the verbs spec §3 actually names.
var recognizedMethods = map[string]bool{
	"GET":     true,
	"POST":    true,
	"PUT":     true,
	"PATCH":   true,
	"DELETE":  true,
	"HEAD":    true,
	"OPTIONS": true,
}

// paramPrefix is the reserved prefix that marks a path segment as a
// parameter marker in the script's exported handler tree (spec §4.1), e.g.
// "p_id" -> ":id".
const paramPrefix = "p_"

// HandlerRef is an opaque reference to a script-side handler function kept
// alive in the VM's registry. The core never inspects it except by asking
// the Executor Loop to invoke it (spec §3).
type HandlerRef struct {
	fn *lua.LFunction
}

// routeEntry is a single registered (method, pattern) pair, kept only to
// drive the build-time duplicate/ambiguity check (adapted from the
// teacher's router.add, router.go).
type routeEntry struct {
	method  string
	pattern string
}

// nodeKind distinguishes a static path segment from a parameter segment.
// The base spec's PathPattern is "a sequence of literal and named-segment
// elements" only — no wildcard/ANY kind is named, so unlike the teacher's
// router.go (which also carries an anyKind for static file serving), this
// tree only ever holds these two.
type nodeKind uint8

const (
	staticKind nodeKind = iota
	paramKind
)

// node is a node of the radix tree, adapted from the teacher's router.go
// node with the anyKind and parent bookkeeping removed (parent was never
// read by the matching algorithm).
type node struct {
	kind       nodeKind
	label      byte
	prefix     string
	handlers   map[string]HandlerRef
	children   []*node
	paramNames []string
}

// RouteTable is the immutable, build-once table consulted by the Fast
// Router (spec §3, §4.2): a 64-bit path hash map for static patterns plus a
// radix tree for parameterized ones.
type RouteTable struct {
	static  map[uint64]map[string]HandlerRef
	tree    *node
	entries []routeEntry
}

// newRouteTable returns an empty, ready-to-populate RouteTable.
func newRouteTable() *RouteTable {
	return &RouteTable{
		static: map[uint64]map[string]HandlerRef{},
		tree:   &node{handlers: map[string]HandlerRef{}},
	}
}

// BuildRouteTable walks root (the user's exported handler tree: a nested
// Lua table whose leaf keys are method verbs and whose intermediate keys
// are literal segments or "p_"-prefixed parameter markers) and returns a
// populated RouteTable, or a structured error if the tree is malformed or
// contains duplicate/ambiguous routes. Grounded on the depth-first
// traversal described in spec §4.1.
func BuildRouteTable(root *lua.LTable) (*RouteTable, error) {
	rt := newRouteTable()
	if err := walkHandlerTree(rt, root, ""); err != nil {
		return nil, err
	}
	return rt, nil
}

// walkHandlerTree performs the depth-first traversal described in spec
// §4.1. path is the accumulated pattern, with ":name" already substituted
// for "p_name" segments, matching the teacher's own in-string param syntax
// so the adapted add()/insert()/route() trio below needs no change.
func walkHandlerTree(rt *RouteTable, tbl *lua.LTable, path string) error {
	var walkErr error

	tbl.ForEach(func(k, v lua.LValue) {
		if walkErr != nil {
			return
		}

		key, ok := k.(lua.LString)
		if !ok {
			walkErr = fmt.Errorf("weft: route tree keys must be strings, got %s", k.Type())
			return
		}
		keyStr := string(key)
		upper := strings.ToUpper(keyStr)

		if recognizedMethods[upper] {
			fn, ok := v.(*lua.LFunction)
			if !ok {
				walkErr = fmt.Errorf("weft: route tree leaf %q at %q must be a function, got %s", keyStr, canonicalPattern(path), v.Type())
				return
			}
			walkErr = rt.add(upper, canonicalPattern(path), HandlerRef{fn: fn})
			return
		}

		child, ok := v.(*lua.LTable)
		if !ok {
			walkErr = fmt.Errorf("weft: route tree segment %q must be a table or a method function, got %s", keyStr, v.Type())
			return
		}

		if strings.HasPrefix(keyStr, paramPrefix) {
			name := strings.TrimPrefix(keyStr, paramPrefix)
			if name == "" {
				walkErr = fmt.Errorf("weft: param segment %q is missing a name", keyStr)
				return
			}
			walkErr = walkHandlerTree(rt, child, path+"/:"+name)
			return
		}

		if keyStr == "" || strings.Contains(keyStr, "/") {
			walkErr = fmt.Errorf("weft: invalid path segment %q", keyStr)
			return
		}

		walkErr = walkHandlerTree(rt, child, path+"/"+keyStr)
	})

	return walkErr
}

// canonicalPattern normalizes an accumulated path: empty becomes "/", and
// a trailing slash is stripped except for the root path itself (spec §4.1
// edge cases).
func canonicalPattern(path string) string {
	if path == "" {
		return "/"
	}
	for len(path) > 1 && strings.HasSuffix(path, "/") {
		path = path[:len(path)-1]
	}
	return path
}

// add registers a new route for method and pattern, adapted from the
// teacher's router.add (router.go) with the `*` wildcard handling removed
// (the base spec's PathPattern has no wildcard concept) and panics turned
// into returned errors, since route tree construction happens at Serve
// time rather than at Go-call time.
func (rt *RouteTable) add(method, pattern string, h HandlerRef) error {
	if pattern == "" {
		return fmt.Errorf("weft: the path cannot be empty")
	}
	if pattern[0] != '/' {
		return fmt.Errorf("weft: the path must start with /")
	}
	if pattern != "/" && hasLastSlash(pattern) {
		return fmt.Errorf("weft: the path cannot end with /, except the root path")
	}
	if strings.Contains(pattern, "//") {
		return fmt.Errorf("weft: the path cannot have //")
	}
	if strings.Count(pattern, ":") > 1 {
		for _, seg := range strings.Split(pattern, "/") {
			if strings.Count(seg, ":") > 1 {
				return fmt.Errorf("weft: adjacent params in the path must be separated by /")
			}
		}
	}

	for _, e := range rt.entries {
		if e.method != method {
			continue
		}
		if e.pattern == pattern {
			return fmt.Errorf("weft: the route [%s %s] is already registered", method, pattern)
		}
		if pathWithoutParamNames(e.pattern) == pathWithoutParamNames(pattern) {
			return fmt.Errorf("weft: the route [%s %s] and the route [%s %s] are ambiguous", method, pattern, e.method, e.pattern)
		}
	}
	rt.entries = append(rt.entries, routeEntry{method: method, pattern: pattern})

	if !strings.Contains(pattern, ":") {
		hash := xxhash.Sum64String(pattern)
		if rt.static[hash] == nil {
			rt.static[hash] = map[string]HandlerRef{}
		}
		rt.static[hash][method] = h
		return nil
	}

	path := pattern
	paramNames := []string{}

	for i, l := 0, len(path); i < l; i++ {
		if path[i] != ':' {
			continue
		}
		j := i + 1

		rt.insert(method, path[:i], HandlerRef{}, staticKind, nil, false)

		for ; i < l && path[i] != '/'; i++ {
		}

		paramName := path[j:i]
		for _, pn := range paramNames {
			if pn == paramName {
				return fmt.Errorf("weft: the path cannot have duplicate param names (%q)", paramName)
			}
		}
		paramNames = append(paramNames, paramName)
		path = path[:j] + path[i:]

		if i, l = j, len(path); i == l {
			rt.insert(method, path, h, paramKind, paramNames, true)
			return nil
		}

		rt.insert(method, path[:i], HandlerRef{}, paramKind, paramNames, false)
	}

	rt.insert(method, path, h, staticKind, paramNames, true)
	return nil
}

// insert inserts one (possibly intermediate) route node into the tree,
// adapted from the teacher's router.insert (router.go) with its node-split
// longest-common-prefix algorithm kept intact. set reports whether h is the
// terminal handler for this call (an intermediate marker node, used only
// to record the param split point, passes set=false).
func (rt *RouteTable) insert(method, path string, h HandlerRef, nk nodeKind, paramNames []string, set bool) {
	cn := rt.tree

	var (
		s  = path
		nn *node
	)

	for {
		sl := len(s)
		pl := len(cn.prefix)

		max := pl
		if sl < max {
			max = sl
		}

		ll := 0
		for ; ll < max && s[ll] == cn.prefix[ll]; ll++ {
		}

		switch {
		case ll == 0 && pl == 0 && len(cn.children) == 0 && len(cn.handlers) == 0:
			cn.label = byteAt(s, 0)
			cn.prefix = s
			if set {
				cn.kind = nk
				cn.handlers[method] = h
				cn.paramNames = paramNames
			}
			return
		case ll < pl:
			nn = &node{
				kind:       cn.kind,
				label:      cn.prefix[ll],
				prefix:     cn.prefix[ll:],
				handlers:   cn.handlers,
				children:   cn.children,
				paramNames: cn.paramNames,
			}

			cn.kind = staticKind
			cn.label = cn.prefix[0]
			cn.prefix = cn.prefix[:ll]
			cn.children = []*node{nn}
			cn.handlers = map[string]HandlerRef{}
			cn.paramNames = nil

			if ll == sl {
				if set {
					cn.kind = nk
					cn.handlers[method] = h
					cn.paramNames = paramNames
				}
			} else {
				child := &node{
					kind:       nk,
					label:      s[ll],
					prefix:     s[ll:],
					handlers:   map[string]HandlerRef{},
					paramNames: paramNames,
				}
				if set {
					child.handlers[method] = h
				}
				cn.children = append(cn.children, child)
			}
			return
		case ll < sl:
			s = s[ll:]
			if nn = cn.childByLabel(s[0]); nn != nil {
				cn = nn
				continue
			}
			child := &node{
				kind:       nk,
				label:      s[0],
				prefix:     s,
				handlers:   map[string]HandlerRef{},
				paramNames: paramNames,
			}
			if set {
				child.handlers[method] = h
			}
			cn.children = append(cn.children, child)
			return
		default:
			if set {
				cn.handlers[method] = h
				cn.paramNames = paramNames
			}
			return
		}
	}
}

func byteAt(s string, i int) byte {
	if i >= len(s) {
		return 0
	}
	return s[i]
}

// matchResult is what the Fast Router returns on a hit.
type matchResult struct {
	handler HandlerRef
	params  map[string]string
}

// match implements the Fast Router's match(method, path) operation (spec
// §4.2): a static hash-map probe first, falling back to the static>param
// radix-tree walk (with "Struggle" backtracking) adapted from the
// teacher's router.route (router.go), minus the anyKind branch.
// methodMismatch is true when the path matched a registered pattern but
// not this method, distinguishing a 405 from a 404.
func (rt *RouteTable) match(method, rawPath string) (result *matchResult, methodMismatch bool) {
	clean := pathClean(rawPath)

	if hash := xxhash.Sum64String(clean); rt.static[hash] != nil {
		if h, ok := rt.static[hash][method]; ok {
			return &matchResult{handler: h, params: map[string]string{}}, false
		}
		return nil, true
	}

	cn := rt.tree
	params := map[string]string{}

	var (
		s  = clean
		nn *node
		nk nodeKind
		sn *node
		ss string
		pi int
	)

	for {
		if s == "" {
			break
		}

		pl, ll := 0, 0
		if cn.label != ':' {
			sl := len(s)
			pl = len(cn.prefix)
			max := pl
			if sl < max {
				max = sl
			}
			for ; ll < max && s[ll] == cn.prefix[ll]; ll++ {
			}
		}

		if ll != pl {
			goto Struggle
		}

		if s = s[ll:]; s == "" {
			break
		}

		if nn = cn.child(s[0], staticKind); nn != nil {
			if hasLastSlash(cn.prefix) {
				nk = paramKind
				sn = cn
				ss = s
			}
			cn = nn
			continue
		}

		if nn = cn.childByKind(paramKind); nn != nil {
			if hasLastSlash(cn.prefix) {
				sn = cn
				ss = s
			}
			cn = nn

			si := 0
			for ; si < len(s) && s[si] != '/'; si++ {
			}
			if pi < len(cn.paramNames) {
				params[cn.paramNames[pi]] = percentDecode(s[:si])
			}
			pi++
			s = s[si:]
			continue
		}

	Struggle:
		if sn != nil {
			cn = sn
			sn = nil
			s = ss
			nk = paramKind
			if nn = cn.childByKind(paramKind); nn != nil {
				cn = nn
				si := 0
				for ; si < len(s) && s[si] != '/'; si++ {
				}
				if pi < len(cn.paramNames) {
					params[cn.paramNames[pi]] = percentDecode(s[:si])
				}
				pi++
				s = s[si:]
				continue
			}
		}
		_ = nk
		return nil, false
	}

	if h, ok := cn.handlers[method]; ok {
		return &matchResult{handler: h, params: params}, false
	}
	if len(cn.handlers) != 0 {
		return nil, true
	}
	return nil, false
}

// hasLastSlash reports whether s ends with '/'.
func hasLastSlash(s string) bool {
	return len(s) > 0 && s[len(s)-1] == '/'
}

// pathWithoutParamNames returns p with every ":name" segment reduced to
// just ":", so two patterns that only differ by param naming compare
// equal. Adapted from the teacher's pathWithoutParamNames (router.go).
func pathWithoutParamNames(p string) string {
	for i, l := 0, len(p); i < l; i++ {
		if p[i] == ':' {
			j := i + 1
			for ; i < l && p[i] != '/'; i++ {
			}
			p = p[:j] + p[i:]
			i, l = j, len(p)
			if i == l {
				break
			}
		}
	}
	return p
}

// pathClean returns a clean path from p: a leading slash, no repeated
// slashes, and at least "/". Adapted verbatim in spirit from the teacher's
// pathClean (router.go), using strings.Builder instead of an unsafe
// byte-slice-to-string cast.
func pathClean(p string) string {
	if p == "" {
		return "/"
	}

	var b strings.Builder
	b.Grow(len(p))

	i, l := 0, len(p)
	if p[0] == '/' {
		i = 1
	}

	for i < l {
		if p[i] == '/' {
			i++
			continue
		}
		b.WriteByte('/')
		for ; i < l && p[i] != '/'; i++ {
			b.WriteByte(p[i])
		}
	}

	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

// percentDecode decodes a single percent-encoded path segment, adapted
// from the teacher's unescape (router.go). Malformed escapes decode to
// the empty string, matching the teacher's own fail-safe behavior.
func percentDecode(s string) string {
	n := 0
	hasPlus := false
	for i := 0; i < len(s); i++ {
		if s[i] == '%' {
			n++
			if i+2 >= len(s) || !ishex(s[i+1]) || !ishex(s[i+2]) {
				return ""
			}
			i += 2
		} else if s[i] == '+' {
			hasPlus = true
		}
	}

	if n == 0 && !hasPlus {
		return s
	}

	t := make([]byte, len(s)-2*n)
	for i, j := 0, 0; i < len(s); i++ {
		switch s[i] {
		case '%':
			t[j] = unhex(s[i+1])<<4 | unhex(s[i+2])
			j++
			i += 2
		case '+':
			t[j] = ' '
			j++
		default:
			t[j] = s[i]
			j++
		}
	}
	return string(t)
}

func ishex(c byte) bool {
	switch {
	case '0' <= c && c <= '9', 'a' <= c && c <= 'f', 'A' <= c && c <= 'F':
		return true
	}
	return false
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10
	}
	return 0
}

// child returns a child node of n by label l and kind nk.
func (n *node) child(l byte, nk nodeKind) *node {
	for _, c := range n.children {
		if c.label == l && c.kind == nk {
			return c
		}
	}
	return nil
}

// childByLabel returns a child node of n by label l.
func (n *node) childByLabel(l byte) *node {
	for _, c := range n.children {
		if c.label == l {
			return c
		}
	}
	return nil
}

// childByKind returns a child node of n by kind nk.
func (n *node) childByKind(nk nodeKind) *node {
	for _, c := range n.children {
		if c.kind == nk {
			return c
		}
	}
	return nil
}
