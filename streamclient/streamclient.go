// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Client-side parser for the streaming result envelope.
//
// The server emits one in-flight JSON envelope: {"success":true,"results":[
// followed by result objects separated by commas, with /* ... */ heartbeat
// comments allowed in the gaps, terminated by ],"totalProcessed":N,...}.
// This parser extracts complete top-level objects from the array as bytes
// arrive, tolerating heartbeats anywhere between objects, and exposes the
// trailing metadata once the array closes.
package streamclient

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrMalformed is returned when the byte stream cannot be an envelope.
var ErrMalformed = errors.New("malformed stream envelope")

// Parser incrementally consumes envelope bytes. Feed returns the result
// objects completed by each chunk; objects already extracted remain valid
// even if the connection closes early.
type Parser struct {
	buf strings.Builder

	inResults    bool
	arrayClosed  bool
	depth        int
	objStart     int
	inString  bool
	escaped   bool
	inComment bool
	// inValue marks a bare string value in the array (the CSV variant
	// emits rows as strings, not objects)
	inValue    bool
	valueStart int

	scanned int // absolute offset scanning has reached

	objects  int
	values   []string
	trailing strings.Builder
}

// NewParser creates an empty Parser.
func NewParser() *Parser {
	return &Parser{objStart: -1}
}

const resultsMarker = `"results":[`

// Feed appends a chunk and returns any newly completed raw objects.
func (p *Parser) Feed(chunk []byte) ([]json.RawMessage, error) {
	p.buf.Write(chunk)
	data := p.buf.String()

	if !p.inResults {
		idx := strings.Index(data, resultsMarker)
		if idx < 0 {
			// header not complete yet; a pathological header is caught by a cap
			if len(data) > 4096 {
				return nil, ErrMalformed
			}
			return nil, nil
		}
		p.inResults = true
		p.scanned = idx + len(resultsMarker)
	}

	if p.arrayClosed {
		p.trailing.WriteString(data[p.scanned:])
		p.scanned = len(data)
		return nil, nil
	}

	var out []json.RawMessage
	i := p.scanned
	for i < len(data) {
		c := data[i]

		switch {
		case p.inComment:
			// comments end at */
			if c == '*' {
				if i+1 >= len(data) {
					// '*' at the chunk edge: revisit it with the next chunk
					p.scanned = i
					return out, nil
				}
				if data[i+1] == '/' {
					p.inComment = false
					i++
				}
			}
		case p.inString:
			if p.escaped {
				p.escaped = false
			} else if c == '\\' {
				p.escaped = true
			} else if c == '"' {
				p.inString = false
				if p.inValue {
					// a bare string value (CSV row) is complete
					p.inValue = false
					p.values = append(p.values, data[p.valueStart:i+1])
					p.objects++
				}
			}
		case p.depth > 0:
			// inside an object
			switch c {
			case '"':
				p.inString = true
			case '{':
				p.depth++
			case '}':
				p.depth--
				if p.depth == 0 {
					raw := data[p.objStart : i+1]
					out = append(out, json.RawMessage(raw))
					p.objects++
					p.objStart = -1
				}
			}
		default:
			// gap between objects
			switch c {
			case '{':
				p.depth = 1
				p.objStart = i
			case '"':
				// CSV variant: the value is a bare string
				p.inString = true
				p.inValue = true
				p.valueStart = i
			case '/':
				if i+1 < len(data) {
					if data[i+1] == '*' {
						p.inComment = true
						i++
					} else {
						return out, ErrMalformed
					}
				} else {
					// lone '/' at the edge: wait for the next chunk
					p.scanned = i
					return out, nil
				}
			case ']':
				p.arrayClosed = true
				p.trailing.WriteString(data[i+1:])
				p.scanned = len(data)
				return out, nil
			case ',', ' ', '\t', '\r', '\n':
				// separators and whitespace
			default:
				return out, ErrMalformed
			}
		}
		i++
	}
	p.scanned = i
	return out, nil
}

// Done reports whether the results array has closed.
func (p *Parser) Done() bool {
	return p.arrayClosed
}

// Objects returns how many result values have been extracted.
func (p *Parser) Objects() int {
	return p.objects
}

// StringValues returns bare string values seen in the array (the CSV
// variant's rows), decoded from their JSON encoding.
func (p *Parser) StringValues() []string {
	out := make([]string, 0, len(p.values))
	for _, raw := range p.values {
		var s string
		if err := json.Unmarshal([]byte(raw), &s); err == nil {
			out = append(out, s)
		}
	}
	return out
}

// Trailer decodes the envelope fields that follow the results array
// (totalProcessed and friends). Only valid once Done() is true.
func (p *Parser) Trailer() (map[string]json.RawMessage, error) {
	if !p.arrayClosed {
		return nil, errors.New("stream not finished")
	}
	// the trailing bytes are `,"totalProcessed":N,...}`; wrap them back
	// into an object for decoding
	t := strings.TrimSpace(p.trailing.String())
	t = strings.TrimPrefix(t, ",")
	if !strings.HasSuffix(t, "}") {
		return nil, ErrMalformed
	}
	t = "{" + strings.TrimSuffix(t, "}") + "}"

	var out map[string]json.RawMessage
	if err := json.Unmarshal([]byte(t), &out); err != nil {
		return nil, err
	}
	return out, nil
}
