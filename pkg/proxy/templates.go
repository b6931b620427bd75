package proxy

import (
	"bytes"
	"embed"
	"fmt"
	"os"
)

//go:embed templates/302.txt templates/403.txt
var defaultTemplates embed.FS

const urlPlaceholder = "{{url}}"

// Templates are the raw HTTP responses written to a client when a verdict
// ends its session. They are loaded once and shared by every session.
type Templates struct {
	redirect []byte
	deny     []byte
}

// LoadTemplates reads the redirect and deny documents. An empty path selects
// the built-in document.
func LoadTemplates(redirectPath, denyPath string) (*Templates, error) {
	redirect, err := readTemplate(redirectPath, "templates/302.txt")
	if err != nil {
		return nil, err
	}
	deny, err := readTemplate(denyPath, "templates/403.txt")
	if err != nil {
		return nil, err
	}
	return &Templates{redirect: redirect, deny: deny}, nil
}

// DefaultTemplates returns the built-in documents.
func DefaultTemplates() *Templates {
	t, err := LoadTemplates("", "")
	if err != nil {
		panic(err)
	}
	return t
}

func readTemplate(path, builtin string) ([]byte, error) {
	if path == "" {
		return defaultTemplates.ReadFile(builtin)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load template: %w", err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("load template: %s is empty", path)
	}
	return b, nil
}

// Redirect returns the redirect document pointing at url.
func (t *Templates) Redirect(url string) []byte {
	if !bytes.Contains(t.redirect, []byte(urlPlaceholder)) {
		return t.redirect
	}
	return bytes.ReplaceAll(t.redirect, []byte(urlPlaceholder), []byte(sanitizeHeaderValue(url)))
}

// Deny returns the block document. It is the same for every status.
func (t *Templates) Deny() []byte {
	return t.deny
}

func sanitizeHeaderValue(v string) string {
	return string(bytes.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return -1
		}
		return r
	}, []byte(v)))
}
