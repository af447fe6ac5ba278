package router

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/cardmint/intake/internal/model"
)

// ErrMalformedExtraction indicates a backend response missing required
// fields or violating the identifier exclusion rule. Treated identically
// to an inference error for retry purposes; partially-typed data is never
// passed deeper into the pipeline.
var ErrMalformedExtraction = eris.New("router: malformed extraction response")

// extractionSchema is the strict validation boundary for backend payloads.
// The identifier must carry exactly one of a collector number or a promo
// code, never both, never neither.
const extractionSchema = `{
	"type": "object",
	"required": ["card_title", "set_name", "identifier", "confidence"],
	"properties": {
		"card_title": {"type": "string", "minLength": 1},
		"set_name": {"type": "string"},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"identifier": {
			"type": "object",
			"properties": {
				"number": {"type": "string", "minLength": 1},
				"set_size": {"type": "string"},
				"promo_code": {"type": "string", "minLength": 1}
			},
			"oneOf": [
				{"required": ["number"]},
				{"required": ["promo_code"]}
			]
		}
	}
}`

var compiledExtractionSchema = jsonschema.MustCompileString("extraction.json", extractionSchema)

// extractionPayload mirrors the backend wire format.
type extractionPayload struct {
	CardTitle  string           `json:"card_title"`
	SetName    string           `json:"set_name"`
	Identifier model.Identifier `json:"identifier"`
	Confidence float64          `json:"confidence"`
}

// parseExtraction validates body against the extraction schema and returns
// the typed payload. Any violation maps to ErrMalformedExtraction.
func parseExtraction(body []byte) (*extractionPayload, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, eris.Wrapf(ErrMalformedExtraction, "invalid json: %v", err)
	}
	if err := compiledExtractionSchema.Validate(raw); err != nil {
		return nil, eris.Wrapf(ErrMalformedExtraction, "schema violation: %v", compactSchemaError(err))
	}

	var p extractionPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, eris.Wrapf(ErrMalformedExtraction, "decode: %v", err)
	}
	return &p, nil
}

// compactSchemaError flattens the multi-line validator output into one
// log-friendly line.
func compactSchemaError(err error) string {
	return strings.Join(strings.Fields(err.Error()), " ")
}
