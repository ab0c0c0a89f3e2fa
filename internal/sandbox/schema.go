package sandbox

import (
	"bytes"
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/boternity/boternity/internal/errs"
)

// validateInput checks payload against an InstalledSkill's InputSchema, per
// spec.md §4.2's InvalidArgument failure mode. A skill with no schema
// accepts anything.
func validateInput(schema map[string]any, payload map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	sch, err := compileSchema(schema)
	if err != nil {
		return errs.Wrap(errs.Internal, "compile skill input schema", err)
	}
	instance, err := toSchemaInstance(payload)
	if err != nil {
		return errs.Wrap(errs.Internal, "normalize skill input", err)
	}
	if err := sch.Validate(instance); err != nil {
		return errs.Wrap(errs.InvalidArgument, "skill input does not match its declared shape", err)
	}
	return nil
}

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("skill-input.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("skill-input.json")
}

// toSchemaInstance round-trips payload through JSON so numeric types match
// what jsonschema expects from a decoded document rather than Go's native
// int/float distinctions.
func toSchemaInstance(payload map[string]any) (any, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}
