package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/format"
)

//go:embed schema.cue
var schemaSource []byte

// DefaultFileName is the config file looked up in the working directory.
const DefaultFileName = "opsflow.cue"

// FieldError is one configuration problem with its source position.
type FieldError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Message string `json:"message"`
}

func (e FieldError) String() string {
	if e.File == "" {
		return e.Message
	}
	return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
}

// LoadError collects every problem found while loading a config file.
type LoadError struct {
	Errors []FieldError
}

func (e *LoadError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.String()
	}
	return "configuration errors:\n  " + strings.Join(parts, "\n  ")
}

// Load reads a CUE config file, unifies it with the embedded schema, applies
// environment variables and validates the result. An empty path or a missing
// default file yields the defaults.
func Load(path string) (*Config, error) {
	var (
		src      []byte
		filename = path
	)

	switch {
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		src = data
	default:
		data, err := os.ReadFile(DefaultFileName)
		if err == nil {
			src = data
			filename = DefaultFileName
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", DefaultFileName, err)
		}
	}

	cfg, err := Parse(src, filename)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse unifies CUE source with the schema and decodes it. It does not read
// the environment or run struct validation.
func Parse(src []byte, filename string) (*Config, error) {
	if filename == "" {
		filename = "inline.cue"
	}

	ctx := cuecontext.New()

	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	value := def
	if len(strings.TrimSpace(string(src))) > 0 {
		user := ctx.CompileBytes(src, cue.Filename(filename))
		if err := user.Err(); err != nil {
			return nil, &LoadError{Errors: convertCUEErrors(err)}
		}
		value = def.Unify(user)
	}

	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, &LoadError{Errors: convertCUEErrors(err)}
	}

	data, err := value.MarshalJSON()
	if err != nil {
		return nil, &LoadError{Errors: convertCUEErrors(err)}
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Policy.Paths == nil {
		cfg.Policy.Paths = []string{}
	}
	return cfg, nil
}

// Render writes cfg back out as CUE source.
func Render(cfg *Config) ([]byte, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}

	ctx := cuecontext.New()
	v := ctx.CompileBytes(data)
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("failed to build config value: %w", err)
	}

	src, err := formatValue(v)
	if err != nil {
		return nil, err
	}
	return append([]byte("// opsflow configuration\n"), src...), nil
}

func formatValue(v cue.Value) ([]byte, error) {
	src, err := format.Node(v.Syntax(cue.Final(), cue.Concrete(true)))
	if err != nil {
		return nil, fmt.Errorf("failed to format config: %w", err)
	}
	return append(src, '\n'), nil
}

// convertCUEErrors flattens CUE errors into positioned field errors.
func convertCUEErrors(err error) []FieldError {
	var out []FieldError
	for _, e := range errors.Errors(err) {
		fe := FieldError{Message: errors.Details(e, nil)}
		if pos := errors.Positions(e); len(pos) > 0 {
			fe.File = pos[0].Filename()
			fe.Line = pos[0].Line()
			fe.Column = pos[0].Column()
		}
		out = append(out, fe)
	}
	if len(out) == 0 {
		out = append(out, FieldError{Message: err.Error()})
	}
	return out
}
