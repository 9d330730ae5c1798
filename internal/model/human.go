package model

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// Duration is a time.Duration represented as a Go duration string ("1m30s")
// in the configuration
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration: %w", err)
	}
	if v < 0 {
		return fmt.Errorf("duration %s can't be negative", text)
	}
	*d = Duration(v)
	return nil
}

type CueErrorCode string

const (
	CodeUnknownField      CueErrorCode = "unknown_field"
	CodeMissingRequired   CueErrorCode = "missing_required"
	CodeConflictingValues CueErrorCode = "conflicting_values"
	CodeValidationError   CueErrorCode = "validation_error"
	CodeUnknown           CueErrorCode = "unknown"
)

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

// CueErrorDetail is a single validation problem of a configuration
type CueErrorDetail struct {
	Path    string // dotted path in the config file, "propagation.maximum_depth"
	Code    CueErrorCode
	Message string // human-friendly message
	Pos     CueErrorPosition
	Raw     string // original cue error
}

func (d CueErrorDetail) Attr(key string) slog.Attr {
	return slog.Group(key,
		slog.String("path", d.Path),
		slog.String("code", string(d.Code)),
		slog.String("message", d.Message),
		slog.String("pos", d.Pos.Filename+":"+strconv.Itoa(d.Pos.Line)+":"+strconv.Itoa(d.Pos.Column)),
	)
}

func humanize(err error, config, schema cue.Value) []CueErrorDetail {
	errs := cueerrors.Errors(err)
	ret := make([]CueErrorDetail, 0, len(errs))
	for _, e := range errs {
		path := configPath(e.Path())
		field := path
		if idx := strings.LastIndexByte(path, '.'); idx != -1 {
			field = path[idx+1:]
		}

		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)

		d := CueErrorDetail{
			Path: path,
			Raw:  e.Error(),
		}
		if pos := e.Position(); pos.IsValid() {
			d.Pos = CueErrorPosition{
				Filename: pos.Filename(),
				Line:     pos.Line(),
				Column:   pos.Column(),
			}
		}

		switch {
		case strings.Contains(msg, "field not allowed"):
			d.Code = CodeUnknownField
			d.Message = "Field " + field + " is not allowed"
		case strings.Contains(msg, "incomplete value"),
			strings.Contains(msg, "field is required"):
			d.Code = CodeMissingRequired
			d.Message = "Field " + field + " is required"
		case strings.Contains(msg, "conflicting values"),
			strings.Contains(msg, "empty disjunction"):
			d.Code = CodeConflictingValues
			d.Message = "Conflicting values for " + field + ": " + conflict(e.Path(), config, schema, msg)
		case strings.Contains(msg, "invalid value"),
			strings.Contains(msg, "out of bound"):
			d.Code = CodeValidationError
			d.Message = "Field " + field + " is invalid: " + msg
		default:
			d.Code = CodeUnknown
			d.Message = msg
		}
		ret = append(ret, d)
	}
	return ret
}

// conflict describes a type mismatch using the kinds found in the schema and the config
func conflict(path []string, config, schema cue.Value, fallback string) string {
	if len(path) > 0 && strings.HasPrefix(path[0], "#") {
		path = path[1:]
	}
	expected := schema.LookupPath(cuePath(path))
	got := config.LookupPath(cuePath(path))
	if !expected.Exists() || !got.Exists() {
		return fallback
	}
	return "expected type " + expected.IncompleteKind().String() + ": got " + got.Kind().String()
}

// configPath drops the schema definition from a cue error path
func configPath(path []string) string {
	if len(path) > 0 && strings.HasPrefix(path[0], "#") {
		path = path[1:]
	}
	return strings.Join(path, ".")
}

func cuePath(path []string) cue.Path {
	sels := make([]cue.Selector, 0, len(path))
	for _, p := range path {
		if idx, err := strconv.Atoi(p); err == nil {
			sels = append(sels, cue.Index(idx))
			continue
		}
		sels = append(sels, cue.Str(p))
	}
	return cue.MakePath(sels...)
}
