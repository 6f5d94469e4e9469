package service

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/taskrelay/internal/persistence"
)

// createTasksSchema checks the shape of create_tasks params. Required task
// fields are left to the store so every missing field is reported per item.
const createTasksSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["conversation_id", "request_id", "tasks"],
  "properties": {
    "conversation_id": {"type": "string"},
    "request_id": {"type": "string"},
    "tasks": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "task_id": {"type": "string"},
          "task_title": {"type": "string"},
          "target_file": {"type": "string"},
          "operation": {"type": "string"},
          "specific_operations": {"type": "string"},
          "related": {"type": "string"},
          "dependencies": {
            "anyOf": [
              {"type": "string"},
              {"type": "array", "items": {"type": "string"}},
              {"type": "null"}
            ]
          }
        }
      }
    }
  }
}`

type paramsValidator struct {
	schema *jsonschema.Schema
}

func compileSchema(name, src string) (*paramsValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &paramsValidator{schema: schema}, nil
}

// Validate checks raw against the schema and converts failures into a
// *persistence.ValidationError.
func (v *paramsValidator) Validate(raw []byte) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("null")
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return persistence.Invalid("params", "invalid JSON: "+err.Error())
	}
	err = v.schema.Validate(doc)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return persistence.Invalid("params", err.Error())
	}
	out := &persistence.ValidationError{}
	collectSchemaProblems(verr, out, map[persistence.FieldError]bool{})
	if len(out.Problems) == 0 {
		return persistence.Invalid("params", err.Error())
	}
	sort.SliceStable(out.Problems, func(i, j int) bool { return out.Problems[i].Item < out.Problems[j].Item })
	return out
}

func collectSchemaProblems(e *jsonschema.ValidationError, out *persistence.ValidationError, seen map[persistence.FieldError]bool) {
	if len(e.Causes) > 0 {
		for _, c := range e.Causes {
			collectSchemaProblems(c, out, seen)
		}
		return
	}
	item, field := -1, "params"
	loc := e.InstanceLocation
	if len(loc) >= 2 && loc[0] == "tasks" {
		if n, err := strconv.Atoi(loc[1]); err == nil {
			item = n
			field = "task"
			if len(loc) > 2 {
				field = strings.Join(loc[2:], ".")
			}
		}
	} else if len(loc) > 0 {
		field = strings.Join(loc, ".")
	}
	msg := "does not match the expected shape"
	if e.ErrorKind != nil {
		if kw := e.ErrorKind.KeywordPath(); len(kw) > 0 {
			msg = "violates " + strings.Join(kw, "/")
		}
	}
	p := persistence.FieldError{Item: item, Field: field, Message: msg}
	if !seen[p] {
		seen[p] = true
		out.Problems = append(out.Problems, p)
	}
}
