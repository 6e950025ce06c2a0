package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"

	"github.com/jimsync/jim/pkg/engine"
)

// DefinitionParser parses and validates CUE sync definition files.
type DefinitionParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewDefinitionParser creates a new definition parser.
func NewDefinitionParser() *DefinitionParser {
	ctx := cuecontext.New()
	return &DefinitionParser{
		ctx:            ctx,
		schemaRegistry: newSchemaRegistry(ctx),
		validator:      validator.New(),
	}
}

// Load parses the sources and builds a validated sync model.
func (dp *DefinitionParser) Load(ctx context.Context, sources []string) (*engine.SyncModel, error) {
	parsed, err := dp.Parse(ctx, sources)
	if err != nil {
		return nil, err
	}
	return parsed.Model()
}

// Model builds the sync model of successfully parsed definitions.
func (pd *ParsedDefinitions) Model() (*engine.SyncModel, error) {
	if len(pd.Errors) > 0 {
		errs := make([]error, 0, len(pd.Errors))
		for _, ve := range pd.Errors {
			errs = append(errs, ve)
		}
		return nil, engine.NewPermanentError("invalid sync definitions", errors.Join(errs...)).
			WithCode(engine.ErrCodeConfiguration).
			WithDetail("errors", len(pd.Errors))
	}

	model := pd.Definitions.ToModel()
	if err := model.Validate(); err != nil {
		return nil, engine.NewPermanentError("inconsistent sync definitions", err).
			WithCode(engine.ErrCodeConfiguration)
	}
	return model, nil
}

// Parse parses CUE definitions from the given files and directories.
// Problems in the definitions are reported in ParsedDefinitions.Errors; the
// returned error is reserved for sources that cannot be read at all.
func (dp *DefinitionParser) Parse(_ context.Context, sources []string) (*ParsedDefinitions, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var (
		value       cue.Value
		sourceFiles []string
		parseErrors []ValidationError
	)

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var (
			val   cue.Value
			files []string
			errs  []ValidationError
		)
		if info.IsDir() {
			val, files, errs = dp.loadDirectory(source)
		} else {
			val, errs = dp.loadFile(source)
			files = []string{source}
		}

		parseErrors = append(parseErrors, errs...)
		sourceFiles = append(sourceFiles, files...)
		if val.Exists() {
			if value.Exists() {
				value = value.Unify(val)
			} else {
				value = val
			}
		}
	}

	if len(parseErrors) > 0 {
		return &ParsedDefinitions{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      parseErrors,
		}, nil
	}

	return dp.extract(value, sourceFiles), nil
}

// ParseString parses inline CUE definitions. name is used in error positions.
func (dp *DefinitionParser) ParseString(_ context.Context, name, content string) (*ParsedDefinitions, error) {
	if name == "" {
		name = "inline"
	}
	val := dp.ctx.CompileString(content, cue.Filename(name))
	if err := val.Err(); err != nil {
		return &ParsedDefinitions{
			SourceFiles: []string{name},
			ParsedAt:    time.Now(),
			Errors:      convertCUEErrors(err),
		}, nil
	}

	return dp.extract(val, []string{name}), nil
}

// loadDirectory loads a directory as a CUE package.
func (dp *DefinitionParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:    dir,
			Message: "no CUE files found",
		}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, convertCUEErrors(inst.Err)
	}

	val := dp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}
	sort.Strings(files)

	return val, files, nil
}

// loadFile loads a single CUE file.
func (dp *DefinitionParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:    path,
			Message: fmt.Sprintf("failed to read file: %v", err),
		}}
	}

	val := dp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}

	return val, nil
}

// extract checks val against the definitions schema and decodes it.
func (dp *DefinitionParser) extract(val cue.Value, sourceFiles []string) *ParsedDefinitions {
	parsed := &ParsedDefinitions{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
	}

	schema, err := dp.schemaRegistry.Definition(DefinitionsSchema, "#Definitions")
	if err != nil {
		parsed.Errors = append(parsed.Errors, ValidationError{Message: err.Error()})
		return parsed
	}

	unified := schema.Unify(val)
	if err := unified.Validate(); err != nil {
		parsed.Errors = append(parsed.Errors, convertCUEErrors(err)...)
		return parsed
	}

	if err := unified.Decode(&parsed.Definitions); err != nil {
		parsed.Errors = append(parsed.Errors, convertCUEErrors(err)...)
		return parsed
	}

	if err := dp.validator.Struct(&parsed.Definitions); err != nil {
		parsed.Errors = append(parsed.Errors, convertValidatorErrors(err)...)
	}

	return parsed
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range cueerrors.Errors(err) {
		var (
			file         string
			line, column int
		)
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Path:    strings.Join(e.Path(), "."),
			Message: strings.TrimSpace(cueerrors.Details(e, nil)),
		})
	}

	if len(validationErrors) == 0 {
		validationErrors = append(validationErrors, ValidationError{Message: err.Error()})
	}
	return validationErrors
}

func convertValidatorErrors(err error) []ValidationError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []ValidationError{{Message: err.Error()}}
	}

	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{
			Path:    fe.Namespace(),
			Message: fmt.Sprintf("failed %q validation", fe.Tag()),
		})
	}
	return out
}

// FindDefinitionFiles lists the .cue files below dir.
func FindDefinitionFiles(dir string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".cue") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	sort.Strings(files)
	return files, nil
}
