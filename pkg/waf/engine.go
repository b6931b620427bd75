package waf

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"wafproxy/pkg/inspect"
)

type Mode int

const (
	ModeOn Mode = iota
	ModeDetectionOnly
	ModeOff
)

func (m Mode) String() string {
	switch m {
	case ModeDetectionOnly:
		return "DetectionOnly"
	case ModeOff:
		return "Off"
	}
	return "On"
}

const defaultBodyLimit = 1 << 20

// Engine holds a loaded rule set. Loading is not safe for concurrent use,
// evaluation through contexts is.
type Engine struct {
	mode               Mode
	requestBodyAccess  bool
	responseBodyAccess bool
	requestBodyLimit   int
	responseBodyLimit  int

	rules        []*Rule
	ids          map[int]*Rule
	byCollection map[string][]*Rule
}

var _ inspect.Engine = (*Engine)(nil)

func NewEngine() *Engine {
	return &Engine{
		requestBodyLimit:  defaultBodyLimit,
		responseBodyLimit: defaultBodyLimit,
		ids:               make(map[int]*Rule),
		byCollection:      make(map[string][]*Rule),
	}
}

func (e *Engine) Mode() Mode { return e.mode }

func (e *Engine) Rules() []*Rule { return e.rules }

// NewContext starts the evaluation of one connection.
func (e *Engine) NewContext() (inspect.Context, error) {
	return newTransaction(e), nil
}

// LoadGlobs expands every pattern and loads the matching files in lexical
// order. A pattern that matches nothing is an error. It returns the loaded
// file names.
func (e *Engine) LoadGlobs(patterns []string) ([]string, error) {
	var files []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("rule set %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("rule set %q: no such file", pattern)
		}
		sort.Strings(matches)
		for _, m := range matches {
			if err := e.LoadFile(m); err != nil {
				return nil, err
			}
			files = append(files, m)
		}
	}
	return files, nil
}

func (e *Engine) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return e.Load(path, f)
}

// Load parses directives from r. name is reported in errors and in the
// [file] tag of matches.
func (e *Engine) Load(name string, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)

	var (
		logical strings.Builder
		start   int
		lineNo  int
	)
	for sc.Scan() {
		lineNo++
		text := strings.TrimSpace(sc.Text())
		if logical.Len() == 0 {
			if text == "" || strings.HasPrefix(text, "#") {
				continue
			}
			start = lineNo
		}
		if strings.HasSuffix(text, "\\") {
			logical.WriteString(strings.TrimSuffix(text, "\\"))
			logical.WriteByte(' ')
			continue
		}
		logical.WriteString(text)
		if err := e.directive(name, start, logical.String()); err != nil {
			return fmt.Errorf("%s:%d: %w", name, start, err)
		}
		logical.Reset()
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if logical.Len() > 0 {
		return fmt.Errorf("%s:%d: unterminated line continuation", name, start)
	}
	return nil
}

func (e *Engine) directive(file string, line int, text string) error {
	args, err := tokenize(text)
	if err != nil {
		return err
	}
	name, args := args[0], args[1:]
	switch strings.ToLower(name) {
	case "secruleengine":
		if len(args) != 1 {
			return fmt.Errorf("%s takes one argument", name)
		}
		switch strings.ToLower(args[0]) {
		case "on":
			e.mode = ModeOn
		case "off":
			e.mode = ModeOff
		case "detectiononly":
			e.mode = ModeDetectionOnly
		default:
			return fmt.Errorf("%s: bad value %q", name, args[0])
		}
	case "secrequestbodyaccess":
		return onOff(name, args, &e.requestBodyAccess)
	case "secresponsebodyaccess":
		return onOff(name, args, &e.responseBodyAccess)
	case "secrequestbodylimit":
		return limit(name, args, &e.requestBodyLimit)
	case "secresponsebodylimit":
		return limit(name, args, &e.responseBodyLimit)
	case "secrule":
		if len(args) < 2 || len(args) > 3 {
			return fmt.Errorf("SecRule takes variables, operator and actions")
		}
		return e.addRule(file, line, args)
	default:
		return fmt.Errorf("unknown directive %q", name)
	}
	return nil
}

func (e *Engine) addRule(file string, line int, args []string) error {
	vars, err := parseVariables(args[0])
	if err != nil {
		return err
	}
	op, err := parseOperator(args[1])
	if err != nil {
		return err
	}
	r := &Rule{File: file, Line: line, Vars: vars, op: op}
	actions := ""
	if len(args) == 3 {
		actions = args[2]
	}
	if err := r.applyActions(actions); err != nil {
		return err
	}
	if prev, ok := e.ids[r.ID]; ok {
		return fmt.Errorf("duplicate rule id %d, first defined at %s:%d", r.ID, prev.File, prev.Line)
	}
	e.ids[r.ID] = r
	e.rules = append(e.rules, r)
	seen := map[string]bool{}
	for _, v := range vars {
		if !seen[v.Collection] {
			seen[v.Collection] = true
			e.byCollection[v.Collection] = append(e.byCollection[v.Collection], r)
		}
	}
	return nil
}

func onOff(name string, args []string, dst *bool) error {
	if len(args) != 1 {
		return fmt.Errorf("%s takes one argument", name)
	}
	switch strings.ToLower(args[0]) {
	case "on":
		*dst = true
	case "off":
		*dst = false
	default:
		return fmt.Errorf("%s: bad value %q", name, args[0])
	}
	return nil
}

func limit(name string, args []string, dst *int) error {
	if len(args) != 1 {
		return fmt.Errorf("%s takes one argument", name)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return fmt.Errorf("%s: bad value %q", name, args[0])
	}
	*dst = n
	return nil
}

// tokenize splits a directive on blanks. Double quoted arguments keep their
// inner blanks, and \" inside them stands for a quote. Other backslashes are
// kept so regular expressions survive.
func tokenize(s string) ([]string, error) {
	var (
		out    []string
		cur    strings.Builder
		quoted bool
		inTok  bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quoted && c == '\\' && i+1 < len(s) && s[i+1] == '"':
			cur.WriteByte('"')
			i++
		case c == '"':
			quoted = !quoted
			inTok = true
		case !quoted && (c == ' ' || c == '\t'):
			if inTok {
				out = append(out, cur.String())
				cur.Reset()
				inTok = false
			}
		default:
			cur.WriteByte(c)
			inTok = true
		}
	}
	if quoted {
		return nil, fmt.Errorf("unterminated quote")
	}
	if inTok {
		out = append(out, cur.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty directive")
	}
	return out, nil
}
