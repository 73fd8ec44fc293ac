package domain

import (
	"bytes"
	"strings"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"
)

// ResponseSchema is the structured-output contract every arbiter must meet.
// It is also sent verbatim to models that support schema-constrained output.
const ResponseSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["query", "recommended_restaurants", "recommended_foods", "nearby_restaurants"],
  "properties": {
    "query": {"type": "string", "minLength": 1},
    "recommended_restaurants": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["name", "category", "location", "db_id"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "category": {"type": "string"},
          "location": {"type": "string"},
          "db_id": {"type": "string", "minLength": 1}
        }
      }
    },
    "recommended_foods": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["name", "category", "restaurant", "price", "db_id"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "category": {"type": "string"},
          "restaurant": {"type": "string"},
          "price": {"type": "integer", "minimum": 0},
          "db_id": {"type": "string", "minLength": 1}
        }
      }
    },
    "nearby_restaurants": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["name", "category", "location"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "category": {"type": "string"},
          "location": {"type": "string"}
        }
      }
    }
  }
}`

var responseSchema = mustSchema(ResponseSchema)

func mustSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic("domain: invalid response schema: " + err.Error())
	}
	return schema
}

// DecodeResponse checks raw against ResponseSchema and decodes it strictly.
// Any mismatch is reported as an arbitration Error; no partial value is
// returned.
func DecodeResponse(raw []byte) (*AIResponse, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, Errorf(KindArbitration, ErrContract, "empty arbitration output")
	}

	res, err := responseSchema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, Errorf(KindArbitration, err, "arbitration output is not valid JSON")
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, Errorf(KindArbitration, ErrContract, "%s", strings.Join(msgs, "; "))
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var out AIResponse
	if err := dec.Decode(&out); err != nil {
		return nil, Errorf(KindArbitration, err, "decode arbitration output")
	}
	if err := ValidateStruct(&out); err != nil {
		return nil, Errorf(KindArbitration, err, "arbitration output failed validation")
	}
	return &out, nil
}
