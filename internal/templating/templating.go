// Package templating renders user-defined templates against alert payloads.
// Templates use text/template syntax with the sprig function library; the
// payload is exposed as .payload.
package templating

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// MaxOutputLength caps rendered results. Longer output is truncated.
const MaxOutputLength = 64 * 1024

// Error is returned when a template cannot be parsed or executed.
type Error struct {
	Template string
	Err      error
}

func (e *Error) Error() string { return "template error: " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

var (
	cache   sync.Map // template source -> *template.Template
	funcMap = buildFuncMap()
)

func buildFuncMap() template.FuncMap {
	fm := sprig.TxtFuncMap()
	// functions that expose the process environment or OS are not available
	// to user templates
	for _, name := range []string{"env", "expandenv", "getHostByName"} {
		delete(fm, name)
	}
	fm["tojson"] = func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	}
	fm["regex_search"] = func(pattern, s string) (bool, error) {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, err
		}
		return re.MatchString(s), nil
	}
	return fm
}

func parse(src string) (*template.Template, error) {
	if t, ok := cache.Load(src); ok {
		return t.(*template.Template), nil
	}
	t, err := template.New("payload").Funcs(funcMap).Parse(src)
	if err != nil {
		return nil, err
	}
	cache.Store(src, t)
	return t, nil
}

// Render executes src with payload bound to .payload and returns the
// trimmed output.
func Render(src string, payload map[string]any) (string, error) {
	t, err := parse(src)
	if err != nil {
		return "", &Error{Template: src, Err: err}
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, map[string]any{"payload": payload}); err != nil {
		return "", &Error{Template: src, Err: fmt.Errorf("execute: %w", err)}
	}
	out := strings.TrimSpace(buf.String())
	if len(out) > MaxOutputLength {
		out = out[:MaxOutputLength]
	}
	return out, nil
}

// IsTruthy reports whether a rendered condition counts as true.
func IsTruthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "ok":
		return true
	}
	return false
}

// RenderCondition renders src and applies IsTruthy. An empty template is
// false.
func RenderCondition(src string, payload map[string]any) (bool, error) {
	if src == "" {
		return false, nil
	}
	out, err := Render(src, payload)
	if err != nil {
		return false, err
	}
	return IsTruthy(out), nil
}
