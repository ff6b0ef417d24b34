// Package schema implements the restricted JSON Schema dialect agents
// declare their operation contracts in: Draft-07 limited to type,
// properties, required, enum, minimum, maximum, minLength, maxLength,
// pattern, items and additionalProperties. Compilation fails closed on any
// other keyword so a manifest can never smuggle semantics the validator
// would silently skip.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/hirebay/hirebay/pkg/fault"
)

// knownTypes are the Draft-07 primitive type names.
var knownTypes = map[string]bool{
	"object":  true,
	"array":   true,
	"string":  true,
	"number":  true,
	"integer": true,
	"boolean": true,
	"null":    true,
}

// Schema is a compiled, immutable validator. Safe for concurrent use.
type Schema struct {
	types      []string
	properties map[string]*Schema
	required   []string
	enum       []any
	minimum    *float64
	maximum    *float64
	minLength  *int
	maxLength  *int
	pattern    *regexp.Regexp
	patternSrc string
	items      *Schema

	// additional is nil when the keyword is absent, which Draft-07 treats
	// as permissive. Strict validation flips the absent case to closed.
	additional *additionalPolicy
}

type additionalPolicy struct {
	allowed bool
	schema  *Schema
}

// Compile parses and checks a raw schema document. Any keyword outside the
// restricted dialect is an error naming the keyword and its location.
func Compile(raw json.RawMessage) (*Schema, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("schema is not valid JSON: %w", err)
	}
	return compileNode(doc, "$")
}

func compileNode(doc any, at string) (*Schema, error) {
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("schema at %s must be a JSON object", at)
	}

	s := &Schema{}
	for keyword, value := range obj {
		switch keyword {
		case "type":
			if err := s.compileType(value, at); err != nil {
				return nil, err
			}
		case "properties":
			props, ok := value.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("properties at %s must be an object", at)
			}
			s.properties = make(map[string]*Schema, len(props))
			for name, sub := range props {
				child, err := compileNode(sub, at+".properties."+name)
				if err != nil {
					return nil, err
				}
				s.properties[name] = child
			}
		case "required":
			list, ok := value.([]any)
			if !ok {
				return nil, fmt.Errorf("required at %s must be an array of strings", at)
			}
			for _, item := range list {
				name, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("required at %s must be an array of strings", at)
				}
				s.required = append(s.required, name)
			}
		case "enum":
			list, ok := value.([]any)
			if !ok || len(list) == 0 {
				return nil, fmt.Errorf("enum at %s must be a non-empty array", at)
			}
			s.enum = normalizeEnum(list)
		case "minimum":
			f, err := numberValue(value)
			if err != nil {
				return nil, fmt.Errorf("minimum at %s: %w", at, err)
			}
			s.minimum = &f
		case "maximum":
			f, err := numberValue(value)
			if err != nil {
				return nil, fmt.Errorf("maximum at %s: %w", at, err)
			}
			s.maximum = &f
		case "minLength":
			n, err := lengthValue(value)
			if err != nil {
				return nil, fmt.Errorf("minLength at %s: %w", at, err)
			}
			s.minLength = &n
		case "maxLength":
			n, err := lengthValue(value)
			if err != nil {
				return nil, fmt.Errorf("maxLength at %s: %w", at, err)
			}
			s.maxLength = &n
		case "pattern":
			src, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("pattern at %s must be a string", at)
			}
			re, err := regexp.Compile(src)
			if err != nil {
				return nil, fmt.Errorf("pattern at %s does not compile: %w", at, err)
			}
			s.pattern = re
			s.patternSrc = src
		case "items":
			child, err := compileNode(value, at+".items")
			if err != nil {
				return nil, err
			}
			s.items = child
		case "additionalProperties":
			switch v := value.(type) {
			case bool:
				s.additional = &additionalPolicy{allowed: v}
			case map[string]any:
				child, err := compileNode(v, at+".additionalProperties")
				if err != nil {
					return nil, err
				}
				s.additional = &additionalPolicy{allowed: true, schema: child}
			default:
				return nil, fmt.Errorf("additionalProperties at %s must be a boolean or a schema", at)
			}
		default:
			return nil, fmt.Errorf("unsupported schema keyword %q at %s", keyword, at)
		}
	}
	return s, nil
}

func (s *Schema) compileType(value any, at string) error {
	add := func(name any) error {
		str, ok := name.(string)
		if !ok || !knownTypes[str] {
			return fmt.Errorf("type at %s names unknown type %v", at, name)
		}
		s.types = append(s.types, str)
		return nil
	}
	switch v := value.(type) {
	case string:
		return add(v)
	case []any:
		if len(v) == 0 {
			return fmt.Errorf("type at %s must not be empty", at)
		}
		for _, item := range v {
			if err := add(item); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("type at %s must be a string or array of strings", at)
	}
}

func numberValue(value any) (float64, error) {
	n, ok := value.(json.Number)
	if !ok {
		return 0, fmt.Errorf("must be a number")
	}
	return n.Float64()
}

func lengthValue(value any) (int, error) {
	n, ok := value.(json.Number)
	if !ok {
		return 0, fmt.Errorf("must be a non-negative integer")
	}
	i, err := n.Int64()
	if err != nil || i < 0 {
		return 0, fmt.Errorf("must be a non-negative integer")
	}
	return int(i), nil
}

// normalizeEnum converts json.Number members to float64 so instance
// comparison can use one numeric representation.
func normalizeEnum(list []any) []any {
	out := make([]any, len(list))
	for i, v := range list {
		out[i] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		f, _ := t.Float64()
		return f
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalizeValue(e)
		}
		return out
	default:
		return v
	}
}

// Validate checks payload against the schema and returns the first
// violation as a path-addressed fault. Object properties outside
// `properties` follow the schema's additionalProperties keyword.
func (s *Schema) Validate(payload []byte) error {
	return s.validatePayload(payload, false)
}

// ValidateStrict is Validate with unknown object properties rejected even
// when the schema omits additionalProperties.
func (s *Schema) ValidateStrict(payload []byte) error {
	return s.validatePayload(payload, true)
}

func (s *Schema) validatePayload(payload []byte, strict bool) error {
	dec := json.NewDecoder(strings.NewReader(string(payload)))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fault.Validation(fault.CodeSchemaViolation, "$", "payload is not valid JSON: %v", err)
	}
	return s.validate(doc, "$", strict)
}

func (s *Schema) validate(v any, path string, strict bool) error {
	if len(s.types) > 0 {
		if !typeMatches(s.types, v) {
			return fault.Validation(fault.CodeSchemaViolation, path,
				"expected %s, got %s", strings.Join(s.types, " or "), typeName(v))
		}
	}

	if s.enum != nil {
		if !enumContains(s.enum, normalizeValue(v)) {
			return fault.Validation(fault.CodeSchemaViolation, path, "value is not one of the allowed enum members")
		}
	}

	switch inst := v.(type) {
	case json.Number:
		f, err := inst.Float64()
		if err != nil {
			return fault.Validation(fault.CodeSchemaViolation, path, "number out of range")
		}
		if s.minimum != nil && f < *s.minimum {
			return fault.Validation(fault.CodeSchemaViolation, path, "%v is less than minimum %v", inst, *s.minimum)
		}
		if s.maximum != nil && f > *s.maximum {
			return fault.Validation(fault.CodeSchemaViolation, path, "%v is greater than maximum %v", inst, *s.maximum)
		}

	case string:
		n := utf8.RuneCountInString(inst)
		if s.minLength != nil && n < *s.minLength {
			return fault.Validation(fault.CodeSchemaViolation, path, "length %d is less than minLength %d", n, *s.minLength)
		}
		if s.maxLength != nil && n > *s.maxLength {
			return fault.Validation(fault.CodeSchemaViolation, path, "length %d is greater than maxLength %d", n, *s.maxLength)
		}
		if s.pattern != nil && !s.pattern.MatchString(inst) {
			return fault.Validation(fault.CodeSchemaViolation, path, "string does not match pattern %q", s.patternSrc)
		}

	case []any:
		if s.items != nil {
			for i, item := range inst {
				if err := s.items.validate(item, fmt.Sprintf("%s[%d]", path, i), strict); err != nil {
					return err
				}
			}
		}

	case map[string]any:
		for _, name := range s.required {
			if _, ok := inst[name]; !ok {
				return fault.Validation(fault.CodeSchemaViolation, path+"."+name, "required property is missing")
			}
		}
		for name, value := range inst {
			child, declared := s.properties[name]
			if declared {
				if err := child.validate(value, path+"."+name, strict); err != nil {
					return err
				}
				continue
			}
			switch {
			case s.additional == nil:
				if strict {
					return fault.Validation(fault.CodeSchemaViolation, path+"."+name, "unknown property")
				}
			case !s.additional.allowed:
				return fault.Validation(fault.CodeSchemaViolation, path+"."+name, "unknown property")
			case s.additional.schema != nil:
				if err := s.additional.schema.validate(value, path+"."+name, strict); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func typeMatches(types []string, v any) bool {
	for _, t := range types {
		switch t {
		case "null":
			if v == nil {
				return true
			}
		case "boolean":
			if _, ok := v.(bool); ok {
				return true
			}
		case "string":
			if _, ok := v.(string); ok {
				return true
			}
		case "object":
			if _, ok := v.(map[string]any); ok {
				return true
			}
		case "array":
			if _, ok := v.([]any); ok {
				return true
			}
		case "number":
			if _, ok := v.(json.Number); ok {
				return true
			}
		case "integer":
			if n, ok := v.(json.Number); ok {
				if f, err := n.Float64(); err == nil && f == math.Trunc(f) {
					return true
				}
			}
		}
	}
	return false
}

func typeName(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case json.Number:
		if f, err := t.Float64(); err == nil && f == math.Trunc(f) {
			return "integer"
		}
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func enumContains(enum []any, v any) bool {
	for _, member := range enum {
		if reflect.DeepEqual(member, v) {
			return true
		}
	}
	return false
}
