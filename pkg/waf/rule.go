package waf

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Collections a rule can read. Each one is filled by a single Context call,
// which is also when the rules reading it are evaluated.
const (
	RemoteAddr          = "REMOTE_ADDR"
	RemotePort          = "REMOTE_PORT"
	ServerAddr          = "SERVER_ADDR"
	ServerPort          = "SERVER_PORT"
	RequestURI          = "REQUEST_URI"
	RequestMethod       = "REQUEST_METHOD"
	RequestProtocol     = "REQUEST_PROTOCOL"
	RequestHeaders      = "REQUEST_HEADERS"
	RequestHeadersNames = "REQUEST_HEADERS_NAMES"
	RequestBody         = "REQUEST_BODY"
	ResponseStatus      = "RESPONSE_STATUS"
	ResponseProtocol    = "RESPONSE_PROTOCOL"
	ResponseHeaders     = "RESPONSE_HEADERS"
	ResponseBody        = "RESPONSE_BODY"
)

var knownCollections = map[string]bool{
	RemoteAddr: true, RemotePort: true, ServerAddr: true, ServerPort: true,
	RequestURI: true, RequestMethod: true, RequestProtocol: true,
	RequestHeaders: true, RequestHeadersNames: true, RequestBody: true,
	ResponseStatus: true, ResponseProtocol: true, ResponseHeaders: true, ResponseBody: true,
}

// Variable selects a collection, optionally narrowed to one key such as
// REQUEST_HEADERS:User-Agent. Keys compare case-insensitively.
type Variable struct {
	Collection string
	Key        string
}

func (v Variable) String() string {
	if v.Key == "" {
		return v.Collection
	}
	return v.Collection + ":" + v.Key
}

func parseVariables(s string) ([]Variable, error) {
	var vars []Variable
	for _, part := range strings.Split(s, "|") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		col, key, _ := strings.Cut(part, ":")
		col = strings.ToUpper(col)
		if !knownCollections[col] {
			return nil, fmt.Errorf("unknown variable %q", part)
		}
		vars = append(vars, Variable{Collection: col, Key: key})
	}
	if len(vars) == 0 {
		return nil, fmt.Errorf("no variables")
	}
	return vars, nil
}

type disruption int

const (
	actionPass disruption = iota
	actionDeny
	actionDrop
	actionRedirect
)

// Rule is one compiled SecRule.
type Rule struct {
	ID       int
	File     string
	Line     int
	Phase    int
	Msg      string
	Severity string
	Tags     []string
	Vars     []Variable

	op         *operator
	transforms []transform
	action     disruption
	status     int
	redirect   string
	log        bool
}

func (r *Rule) reads(collection string) bool {
	for _, v := range r.Vars {
		if v.Collection == collection {
			return true
		}
	}
	return false
}

// actionList splits "id:1,msg:'a, b',deny" on commas outside single quotes.
func actionList(s string) []string {
	var (
		out    []string
		cur    strings.Builder
		quoted bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s) && s[i+1] == '\'':
			cur.WriteByte('\'')
			i++
		case c == '\'':
			quoted = !quoted
		case c == ',' && !quoted:
			out = append(out, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if rest := strings.TrimSpace(cur.String()); rest != "" {
		out = append(out, rest)
	}
	return out
}

func (r *Rule) applyActions(s string) error {
	r.log = true
	r.Phase = 2
	for _, a := range actionList(s) {
		if a == "" {
			continue
		}
		name, val, _ := strings.Cut(a, ":")
		val = strings.TrimSpace(val)
		switch strings.TrimSpace(name) {
		case "id":
			id, err := strconv.Atoi(val)
			if err != nil || id <= 0 {
				return fmt.Errorf("bad id %q", val)
			}
			r.ID = id
		case "phase":
			switch val {
			case "request":
				r.Phase = 2
			case "response":
				r.Phase = 4
			default:
				p, err := strconv.Atoi(val)
				if err != nil || p < 1 || p > 5 {
					return fmt.Errorf("bad phase %q", val)
				}
				r.Phase = p
			}
		case "msg":
			r.Msg = val
		case "severity":
			r.Severity = val
		case "tag":
			r.Tags = append(r.Tags, val)
		case "t":
			t, ok := transforms[val]
			if !ok {
				return fmt.Errorf("unknown transformation %q", val)
			}
			if val == "none" {
				r.transforms = nil
				continue
			}
			r.transforms = append(r.transforms, t)
		case "deny", "block":
			r.action = actionDeny
		case "drop":
			r.action = actionDrop
		case "pass":
			r.action = actionPass
		case "redirect":
			if val == "" {
				return fmt.Errorf("redirect without target")
			}
			r.action = actionRedirect
			r.redirect = val
		case "status":
			code, err := strconv.Atoi(val)
			if err != nil || code < 100 || code > 599 {
				return fmt.Errorf("bad status %q", val)
			}
			r.status = code
		case "log":
			r.log = true
		case "nolog":
			r.log = false
		case "rev", "ver", "maturity", "accuracy", "auditlog", "noauditlog", "capture":
			// accepted for compatibility with existing rule sets
		default:
			return fmt.Errorf("unknown action %q", name)
		}
	}
	if r.ID == 0 {
		return fmt.Errorf("rule has no id")
	}
	return nil
}

type transform func(string) string

var transforms = map[string]transform{
	"none":      func(s string) string { return s },
	"lowercase": strings.ToLower,
	"uppercase": strings.ToUpper,
	"trim":      strings.TrimSpace,
	"urlDecode": func(s string) string {
		if d, err := url.QueryUnescape(s); err == nil {
			return d
		}
		return s
	},
	"compressWhitespace": func(s string) string { return strings.Join(strings.Fields(s), " ") },
	"removeWhitespace":   func(s string) string { return strings.Join(strings.Fields(s), "") },
}

func (r *Rule) transform(v string) string {
	for _, t := range r.transforms {
		v = t(v)
	}
	return v
}
