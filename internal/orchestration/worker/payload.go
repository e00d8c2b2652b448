package worker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// payloadSchema describes the structured result line. Only the shape of the
// well-known keys is checked; workers may add anything else.
const payloadSchema = `{
  "type": "object",
  "properties": {
    "success":          {"type": "boolean"},
    "error":            {"type": ["string", "null"]},
    "report":           {"type": ["string", "null"]},
    "news_data":        {"type": ["array", "null"]},
    "analyzed_news":    {"type": ["array", "null"], "items": {"type": "object"}},
    "significant_news": {"type": ["array", "null"]},
    "positive":         {"type": "integer", "minimum": 0},
    "negative":         {"type": "integer", "minimum": 0},
    "neutral":          {"type": "integer", "minimum": 0}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func resultSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("payload.json", strings.NewReader(payloadSchema)); err != nil {
			schemaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile("payload.json")
	})
	return compiledSchema, schemaErr
}

// ValidatePayload checks that payload is a JSON object with well-typed known keys.
func ValidatePayload(payload []byte) error {
	schema, err := resultSchema()
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("payload does not match schema: %w", err)
	}
	return nil
}

// payloadCapture tracks result payload candidates on stdout. A candidate is
// either a single line holding a JSON object or a pretty-printed object
// block opened by a bare "{" line and closed by a bare "}" line.
type payloadCapture struct {
	maxBytes int

	last      []byte
	lastLine  int
	malformed int

	inBlock   bool
	block     bytes.Buffer
	blockLine int
	blockOver bool

	lines int
}

func newPayloadCapture(maxBytes int) *payloadCapture {
	return &payloadCapture{maxBytes: maxBytes, lastLine: -1, malformed: -1, blockLine: -1}
}

// add records a stdout line. It returns true if the line belongs to a
// payload candidate and must not be treated as progress text.
func (p *payloadCapture) add(line string) bool {
	p.lines++
	trimmed := strings.TrimSpace(line)

	if p.inBlock {
		p.appendBlock(line)
		if strings.TrimRight(line, " \t\r") == "}" {
			p.inBlock = false
		}
		return true
	}

	if strings.TrimRight(line, " \t\r") == "{" {
		p.inBlock = true
		p.block.Reset()
		p.blockOver = false
		p.blockLine = p.lines
		p.appendBlock(line)
		return true
	}

	if !strings.HasPrefix(trimmed, "{") {
		return false
	}
	if strings.HasSuffix(trimmed, "}") && json.Valid([]byte(trimmed)) {
		p.last = []byte(trimmed)
		p.lastLine = p.lines
		return true
	}
	p.malformed = p.lines
	return true
}

func (p *payloadCapture) appendBlock(line string) {
	if p.blockOver {
		return
	}
	if p.maxBytes > 0 && p.block.Len()+len(line)+1 > p.maxBytes {
		p.blockOver = true
		return
	}
	p.block.WriteString(line)
	p.block.WriteByte('\n')
}

// result returns the last well-formed payload. A nil payload with a nil
// error means the worker emitted no candidate at all.
func (p *payloadCapture) result() ([]byte, error) {
	var block []byte
	if p.blockLine >= 0 && !p.blockOver {
		raw := bytes.TrimSpace(p.block.Bytes())
		if json.Valid(raw) {
			var compact bytes.Buffer
			if err := json.Compact(&compact, raw); err == nil {
				block = compact.Bytes()
			}
		}
	}

	switch {
	case p.last != nil && (block == nil || p.lastLine > p.blockLine):
		return p.last, nil
	case block != nil:
		return block, nil
	case p.malformed >= 0:
		return nil, fmt.Errorf("stdout line %d looks like a payload but is not valid JSON", p.malformed)
	case p.blockLine >= 0:
		return nil, fmt.Errorf("payload block starting at stdout line %d is not valid JSON", p.blockLine)
	default:
		return nil, nil
	}
}
