package ingest

import (
	"errors"
	"strings"

	"proctorguard/internal/normalize"
)

var ErrNotJSON = errors.New("packet line is not a JSON object")

// Parser reads one JSONL frame packet per line. Blank lines and # comments
// yield nil fields.
type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

func (p *Parser) ParseLine(line string) (*normalize.PacketFields, error) {
	trim := strings.TrimSpace(line)
	if trim == "" || strings.HasPrefix(trim, "#") {
		return nil, nil
	}
	if !looksLikeJSON(trim) {
		return nil, ErrNotJSON
	}
	fields, err := ParseJSONBytes([]byte(trim))
	if err != nil {
		return nil, err
	}
	fields.Raw = line
	return fields, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}
