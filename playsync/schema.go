package playsync

import (
	"fmt"
	"math"
	"strconv"
)

// Action input validation. Numeric fields outside their declared bounds are
// clamped rather than rejected: peers legitimately overshoot bounds under
// network jitter (analog input, interpolation), and dropping those inputs
// punishes normal players. Type mismatches that cannot be coerced are a
// hard rejection.

type FieldType int

const (
	FieldNumber FieldType = iota
	FieldString
	FieldBool
)

func (self FieldType) String() string {
	switch self {
	case FieldNumber:
		return "number"
	case FieldString:
		return "string"
	case FieldBool:
		return "bool"
	default:
		return "unknown"
	}
}

type FieldSchema struct {
	Type FieldType
	Min  *float64
	Max  *float64
}

// InputSchema declares the shape of an action's input record.
// Declared fields are required. Undeclared fields pass through unvalidated.
type InputSchema map[string]FieldSchema

func NumberField(min float64, max float64) FieldSchema {
	return FieldSchema{
		Type: FieldNumber,
		Min:  &min,
		Max:  &max,
	}
}

func AnyNumberField() FieldSchema {
	return FieldSchema{
		Type: FieldNumber,
	}
}

func StringField() FieldSchema {
	return FieldSchema{
		Type: FieldString,
	}
}

func BoolField() FieldSchema {
	return FieldSchema{
		Type: FieldBool,
	}
}

type ValidationError struct {
	Field  string
	Reason string
}

func (self *ValidationError) Error() string {
	return fmt.Sprintf("invalid input field %q: %s", self.Field, self.Reason)
}

// Validate returns a validated copy of the input with numeric fields
// clamped into their declared bounds. The input is not modified.
func (self InputSchema) Validate(input map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(input))
	for name, value := range input {
		out[name] = value
	}

	for _, name := range sortedKeys(self) {
		field := self[name]
		value, ok := input[name]
		if !ok {
			return nil, &ValidationError{Field: name, Reason: "missing"}
		}

		switch field.Type {
		case FieldNumber:
			number, ok := coerceNumber(value)
			if !ok {
				return nil, &ValidationError{
					Field:  name,
					Reason: fmt.Sprintf("expected number, got %T", value),
				}
			}
			if math.IsNaN(number) || math.IsInf(number, 0) {
				// clamping NaN or infinity is undefined
				return nil, &ValidationError{Field: name, Reason: "not a finite number"}
			}
			if field.Min != nil && number < *field.Min {
				number = *field.Min
			}
			if field.Max != nil && *field.Max < number {
				number = *field.Max
			}
			out[name] = number
		case FieldString:
			str, ok := value.(string)
			if !ok {
				return nil, &ValidationError{
					Field:  name,
					Reason: fmt.Sprintf("expected string, got %T", value),
				}
			}
			out[name] = str
		case FieldBool:
			b, ok := value.(bool)
			if !ok {
				return nil, &ValidationError{
					Field:  name,
					Reason: fmt.Sprintf("expected bool, got %T", value),
				}
			}
			out[name] = b
		}
	}
	return out, nil
}

func coerceNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case string:
		number, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return number, true
	default:
		return 0, false
	}
}
