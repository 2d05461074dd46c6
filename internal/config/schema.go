package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/encoding/yaml"
)

var ErrInvalidConfig = errors.New("invalid config")

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	root   cue.Value
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	root = cueCtx.CompileBytes(cueSource)
	if root.Err() != nil {
		panic(root.Err())
	}
	schema = root.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

// SchemaError lists every problem of a config document.
type SchemaError struct {
	Details []ErrorDetail
}

func (e *SchemaError) Error() string {
	lines := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		lines = append(lines, d.String())
	}
	return ErrInvalidConfig.Error() + ": " + strings.Join(lines, "; ")
}

func (e *SchemaError) Unwrap() error {
	return ErrInvalidConfig
}

type ErrorDetail struct {
	Path    string // jobs.0.tool
	Code    string // unknown_field | missing_required | invalid_enum | type_mismatch | conflicting_values
	Message string
	Pos     ErrorPosition
}

type ErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

func (d ErrorDetail) String() string {
	if d.Pos.Line == 0 {
		return d.Message
	}
	return fmt.Sprintf("%s:%d:%d: %s", d.Pos.Filename, d.Pos.Line, d.Pos.Column, d.Message)
}

func (d ErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", d.Code),
		slog.String("path", d.Path),
		slog.String("message", d.Message),
		slog.String("file", d.Pos.Filename),
		slog.Int("line", d.Pos.Line),
		slog.Int("column", d.Pos.Column),
	)
}

// Validate checks a YAML (or JSON) document against the config schema.
func Validate(name string, r io.Reader) error {
	f, err := yaml.Extract(name, r)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	doc := cueCtx.BuildFile(f)
	if doc.Err() != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, doc.Err())
	}

	unified := schema.Unify(doc)
	err = unified.Validate(
		cue.All(),
		cue.Concrete(true),
	)
	if err == nil {
		return nil
	}
	details := humanize(err)
	if len(details) == 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return &SchemaError{Details: details}
}

var (
	reIncomplete  = regexp.MustCompile(`(?i)incomplete value`)
	reNotAllowed  = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reConflict    = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`)
	reExpectedGot = regexp.MustCompile(`(?i)expected .* got .*`)
	reEnum        = regexp.MustCompile(`(?i)must be one of|expected one of|empty disjunction`)
)

func humanize(err error) []ErrorDetail {
	seen := make(map[ErrorPosition]struct{})

	var out []ErrorDetail
	for _, e := range cueerrors.Errors(err) {
		raw, _ := e.Msg()
		path := normalizePath(e.Path())
		code, msg := classify(raw, path)

		pos := position(e)
		if _, ok := seen[pos]; ok && pos.Filename != "" {
			continue
		}

		if last(path) == "tool" {
			values := enumStrings(root.LookupPath(cue.ParsePath("#Job.tool")))
			msg += fmt.Sprintf(": possible values (%s)", strings.Join(values, ","))
		}

		out = append(out, ErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Pos:     pos,
		})
		seen[pos] = struct{}{}
	}
	return out
}

func enumStrings(v cue.Value) []string {
	var values []string
	if op, args := v.Expr(); op == cue.OrOp {
		for _, a := range args {
			if a.Kind() != cue.StringKind {
				continue
			}
			if s, err := a.String(); err == nil {
				values = append(values, s)
			}
		}
	} else if s, err := v.String(); err == nil {
		values = append(values, s)
	}
	return values
}

func position(err cueerrors.Error) ErrorPosition {
	for _, r := range cueerrors.Positions(err) {
		if r.Filename() == "" || r.Filename() == "config.cue" {
			continue
		}
		return ErrorPosition{
			Filename: r.Filename(),
			Line:     r.Line(),
			Column:   r.Column(),
		}
	}
	return ErrorPosition{}
}

func normalizePath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func classify(raw, path string) (code, msg string) {
	field := last(path)
	switch {
	case reNotAllowed.MatchString(raw):
		return "unknown_field", fmt.Sprintf("field %s is not allowed", field)
	case reIncomplete.MatchString(raw):
		return "missing_required", fmt.Sprintf("field %s is required", field)
	case reEnum.MatchString(raw):
		return "invalid_enum", fmt.Sprintf("field %s has invalid value", field)
	case reConflict.MatchString(raw):
		return "conflicting_values", fmt.Sprintf("conflicting values for %s", field)
	case reExpectedGot.MatchString(raw):
		return "type_mismatch", fmt.Sprintf("field %s has wrong type/value", field)
	default:
		return "validation_error", path + ": " + raw
	}
}

func last(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i+1:]
	}
	return p
}
