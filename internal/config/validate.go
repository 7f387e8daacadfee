package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"

	"github.com/signalsfoundry/constellation-emulator/core"
)

//go:embed schema.cue
var schemaSource string

// Schema returns the embedded CUE schema source.
func Schema() string { return schemaSource }

// ValidateSchema checks raw YAML against the #Config definition of the
// embedded schema. Unknown fields and out-of-range values fail here, before
// any decoding.
func ValidateSchema(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue")).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	file, err := cueyaml.Extract("config.yaml", data)
	if err != nil {
		return &core.ConfigurationError{Field: "yaml", Reason: "cannot parse", Err: err}
	}
	value := ctx.BuildFile(file)
	if err := value.Err(); err != nil {
		return &core.ConfigurationError{Field: "yaml", Reason: "cannot build", Err: err}
	}

	unified := schema.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &core.ConfigurationError{Field: schemaPath(err), Reason: "schema validation failed", Err: err}
	}
	return nil
}

// schemaPath returns the path of the first schema violation, if CUE reports one.
func schemaPath(err error) string {
	for _, e := range errors.Errors(err) {
		p := e.Path()
		if len(p) > 0 && p[0] == "#Config" {
			p = p[1:]
		}
		if len(p) > 0 {
			return strings.Join(p, ".")
		}
	}
	return "schema"
}
