package batch

import (
	"encoding/xml"
	"strings"
)

// RecordType is the value of a record's <type> element.
type RecordType int

const (
	TypeData RecordType = iota
	TypeEOF
)

func (t RecordType) String() string {
	if t == TypeEOF {
		return "EOF"
	}
	return "DATA"
}

// InboundMessage is one delivery as seen by the Dispatcher.
type InboundMessage struct {
	ID   string
	Body string
	Type RecordType
}

// Classify builds an InboundMessage from a raw delivery. Only a <type>
// element directly below the root whose trimmed text is EOF makes an EOF
// record; anything else, including a body that is not XML, is DATA so the
// transform step can quarantine it.
func Classify(id, body string) InboundMessage {
	return InboundMessage{ID: id, Body: body, Type: recordType(body)}
}

func recordType(body string) RecordType {
	dec := xml.NewDecoder(strings.NewReader(body))
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return TypeData
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 1 && t.Name.Local == "type" {
				var value string
				if err := dec.DecodeElement(&value, &t); err != nil {
					return TypeData
				}
				if strings.TrimSpace(value) == TypeEOF.String() {
					return TypeEOF
				}
				return TypeData
			}
			depth++
		case xml.EndElement:
			depth--
			if depth == 0 {
				return TypeData
			}
		}
	}
}
