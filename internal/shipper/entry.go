package shipper

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"wafproxy/internal/seclog"
)

const DateLayout = "2006/01/02"

var tagPattern = regexp.MustCompile(`\[(\w+) "((?:[^"\\]|\\.)*)"\]`)

// Entry is one verdict line ready for indexing.
type Entry struct {
	Message string            `bson:"message"`
	Tags    map[string]string `bson:"tags"`
	Type    string            `bson:"type,omitempty"`
	Backup  string            `bson:"backup"`
	Date    string            `bson:"date"`
}

// Description maps rule files whose path contains Prefix to an attack type.
type Description struct {
	Prefix string
	Type   string
}

// LoadDescriptions reads `prefix|type` lines. Blank lines and lines
// starting with # are skipped.
func LoadDescriptions(path string) ([]Description, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ds []Description
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		prefix, typ, ok := strings.Cut(line, "|")
		if !ok || prefix == "" {
			return nil, fmt.Errorf("%v:%d: want prefix|type, got %q", path, n, line)
		}
		ds = append(ds, Description{Prefix: prefix, Type: strings.TrimSpace(typ)})
	}
	return ds, sc.Err()
}

// describe returns the type of the last description matching file.
func describe(ds []Description, file string) string {
	var typ string
	for _, d := range ds {
		if strings.Contains(file, d.Prefix) {
			typ = d.Type
		}
	}
	return typ
}

// ParseEntry extracts the message and tags of a security log line. Lines
// without the component marker are rejected.
func ParseEntry(line string, ds []Description, backup string, now time.Time) (Entry, bool) {
	if !strings.Contains(line, seclog.Marker) {
		return Entry{}, false
	}
	e := Entry{
		Tags:   make(map[string]string),
		Backup: backup,
		Date:   now.Format(DateLayout),
	}
	if start := strings.Index(line, seclog.Prefix); start >= 0 {
		msg := line[start+len(seclog.Prefix):]
		if end := strings.Index(msg, "[file"); end >= 0 {
			msg = msg[:end]
		}
		e.Message = strings.TrimSpace(msg)
	}
	for _, m := range tagPattern.FindAllStringSubmatch(line, -1) {
		e.Tags[m[1]] = unescape(m[2])
	}
	if file, ok := e.Tags["file"]; ok {
		e.Type = describe(ds, file)
	}
	return e, true
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
