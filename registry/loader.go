package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-errors"
	humanfn "github.com/goliatone/go-humanfn"
	"github.com/goliatone/go-humanfn/luahook"
	"gopkg.in/yaml.v3"
)

// Document is the on-disk form of a function definition.
type Document struct {
	Name         string          `yaml:"name"`
	Description  string          `yaml:"description"`
	InputSchema  map[string]any  `yaml:"input_schema"`
	OutputSchema map[string]any  `yaml:"output_schema"`
	Routing      RoutingDocument `yaml:"routing"`
	Retry        RetryDocument   `yaml:"retry"`
	Hooks        HooksDocument   `yaml:"hooks"`
}

type RoutingDocument struct {
	Channels  []string `yaml:"channels"`
	Timeout   string   `yaml:"timeout"`
	Assignees []string `yaml:"assignees"`
	Priority  string   `yaml:"priority"`
}

type RetryDocument struct {
	MaxRetries *int   `yaml:"max_retries"`
	Backoff    string `yaml:"backoff"`
	Delay      string `yaml:"delay"`
}

// HooksDocument points at a Lua script, inline or by path relative to the
// definition file.
type HooksDocument struct {
	Script     string `yaml:"script"`
	ScriptFile string `yaml:"script_file"`
}

// LoadOptions configures definition loading.
type LoadOptions struct {
	Logger humanfn.Logger
	// BaseDir resolves relative script_file paths when parsing from a reader.
	BaseDir string
}

// Parse decodes every YAML document in r.
func Parse(r io.Reader, opts LoadOptions) ([]humanfn.FunctionDefinition, error) {
	dec := yaml.NewDecoder(r)
	var defs []humanfn.FunctionDefinition
	for i := 0; ; i++ {
		var doc Document
		err := dec.Decode(&doc)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.CategoryBadInput, "failed to decode definition document").
				WithTextCode(humanfn.ErrCodeInvalidDefinition).
				WithMetadata(map[string]any{"document": i})
		}
		if strings.TrimSpace(doc.Name) == "" && doc.Description == "" && doc.InputSchema == nil {
			// blank document between separators
			continue
		}
		def, err := doc.Definition(opts)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// LoadFile parses a definition file.
func LoadFile(path string, opts LoadOptions) ([]humanfn.FunctionDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryBadInput, "failed to read definition file").
			WithTextCode(humanfn.ErrCodeInvalidDefinition).
			WithMetadata(map[string]any{"path": path})
	}
	if opts.BaseDir == "" {
		opts.BaseDir = filepath.Dir(path)
	}
	defs, err := Parse(bytes.NewReader(data), opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// LoadDir parses every .yaml, .yml and .json file under dir in lexical order.
func LoadDir(dir string, opts LoadOptions) ([]humanfn.FunctionDefinition, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml", ".json":
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryBadInput, "failed to scan definitions directory").
			WithTextCode(humanfn.ErrCodeInvalidDefinition).
			WithMetadata(map[string]any{"dir": dir})
	}
	sort.Strings(paths)

	var defs []humanfn.FunctionDefinition
	for _, path := range paths {
		fileOpts := opts
		fileOpts.BaseDir = ""
		loaded, err := LoadFile(path, fileOpts)
		if err != nil {
			return nil, err
		}
		defs = append(defs, loaded...)
	}
	return defs, nil
}

// LoadPaths loads files and directories into r.
func (r *Registry) LoadPaths(paths []string, opts LoadOptions) (int, error) {
	count := 0
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return count, errors.Wrap(err, errors.CategoryBadInput, "definition path not accessible").
				WithTextCode(humanfn.ErrCodeInvalidDefinition).
				WithMetadata(map[string]any{"path": path})
		}
		var defs []humanfn.FunctionDefinition
		if info.IsDir() {
			defs, err = LoadDir(path, opts)
		} else {
			defs, err = LoadFile(path, opts)
		}
		if err != nil {
			return count, err
		}
		if err := r.RegisterAll(defs); err != nil {
			return count, err
		}
		count += len(defs)
	}
	return count, nil
}

// Definition converts the document into a validated definition.
func (d Document) Definition(opts LoadOptions) (humanfn.FunctionDefinition, error) {
	name := strings.TrimSpace(d.Name)
	meta := map[string]any{"function": name}
	def := humanfn.FunctionDefinition{
		Name:        name,
		Description: strings.TrimSpace(d.Description),
		Input:       humanfn.AnySchema,
		Output:      humanfn.AnySchema,
		Routing: humanfn.Routing{
			Channels:  trimAll(d.Routing.Channels),
			Assignees: trimAll(d.Routing.Assignees),
			Priority:  strings.TrimSpace(d.Routing.Priority),
		},
		Retry: humanfn.RetryPolicy{
			MaxRetries: humanfn.DefaultMaxRetries,
			Backoff:    humanfn.ParseBackoffStrategy(d.Retry.Backoff),
			Delay:      humanfn.DefaultRetryDelay,
		},
	}
	if d.Retry.Backoff != "" && !humanfn.IsValidBackoffStrategy(d.Retry.Backoff) {
		return def, humanfn.NewError(humanfn.ErrInvalidDefinition, "unknown retry backoff "+d.Retry.Backoff, nil, meta)
	}
	if d.Retry.MaxRetries != nil {
		def.Retry.MaxRetries = *d.Retry.MaxRetries
	}

	var err error
	if def.Routing.Timeout, err = parseDuration(d.Routing.Timeout); err != nil {
		return def, humanfn.NewError(humanfn.ErrInvalidDefinition, "invalid routing timeout", err, meta)
	}
	if d.Retry.Delay != "" {
		if def.Retry.Delay, err = parseDuration(d.Retry.Delay); err != nil {
			return def, humanfn.NewError(humanfn.ErrInvalidDefinition, "invalid retry delay", err, meta)
		}
	}

	if def.Input, err = compileSchema(d.InputSchema, "input_schema", meta); err != nil {
		return def, err
	}
	if def.Output, err = compileSchema(d.OutputSchema, "output_schema", meta); err != nil {
		return def, err
	}

	source := d.Hooks.Script
	if file := strings.TrimSpace(d.Hooks.ScriptFile); file != "" {
		if source != "" {
			return def, humanfn.NewError(humanfn.ErrInvalidDefinition, "hooks define both script and script_file", nil, meta)
		}
		if !filepath.IsAbs(file) && opts.BaseDir != "" {
			file = filepath.Join(opts.BaseDir, file)
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return def, humanfn.NewError(humanfn.ErrInvalidDefinition, "failed to read hook script", err, map[string]any{
				"function": name,
				"path":     file,
			})
		}
		source = string(data)
	}
	if strings.TrimSpace(source) != "" {
		script, err := luahook.Compile(name, source, luahook.WithLogger(humanfn.NormalizeLogger(opts.Logger)))
		if err != nil {
			return def, err
		}
		def.Hooks = script.Hooks()
	}

	return def, def.Validate()
}

func compileSchema(doc map[string]any, field string, meta map[string]any) (humanfn.Schema, error) {
	if len(doc) == 0 {
		return humanfn.AnySchema, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, humanfn.NewError(humanfn.ErrInvalidDefinition, field+" is not JSON compatible", err, meta)
	}
	schema, err := humanfn.CompileJSONSchema(raw)
	if err != nil {
		return nil, humanfn.NewError(humanfn.ErrInvalidDefinition, field+" failed to compile", err, meta)
	}
	return schema, nil
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", raw)
	}
	return d, nil
}

func trimAll(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
