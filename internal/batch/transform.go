package batch

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"
)

var recordFields = [...]string{"id", "name", "value"}

// Row is one CSV line of the working file.
type Row struct {
	ID    string
	Name  string
	Value string
}

// String renders the row as written to disk, newline included. Values are
// not quoted.
func (r Row) String() string {
	return r.ID + "," + r.Name + "," + r.Value + "\n"
}

// Transform parses a DATA record into a Row. The whole document must be
// well-formed and carry exactly one id, name and value element below its
// root; element text is trimmed.
func Transform(body string) (Row, error) {
	values, err := readFields(body)
	if err != nil {
		return Row{}, err
	}
	return Row{ID: values["id"], Name: values["name"], Value: values["value"]}, nil
}

func isRecordField(name string) bool {
	for _, f := range recordFields {
		if f == name {
			return true
		}
	}
	return false
}

func readFields(body string) (map[string]string, error) {
	dec := xml.NewDecoder(strings.NewReader(body))
	values := make(map[string]string, len(recordFields))
	depth, roots := 0, 0

	for {
		offset := dec.InputOffset()
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, newParseError("", body, offset, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				roots++
				if roots > 1 {
					return nil, newParseError("", body, offset, ErrMultipleRoots)
				}
			}
			if depth == 1 && isRecordField(t.Name.Local) {
				name := t.Name.Local
				var value string
				if err := dec.DecodeElement(&value, &t); err != nil {
					return nil, newParseError(name, body, offset, err)
				}
				if _, dup := values[name]; dup {
					return nil, newParseError(name, body, offset, ErrFieldDuplicate)
				}
				values[name] = strings.TrimSpace(value)
				continue
			}
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			if depth == 0 && len(bytes.TrimSpace(t)) > 0 {
				return nil, newParseError("", body, offset, ErrTextOutsideRoot)
			}
		}
	}

	if roots == 0 {
		return nil, newParseError("", body, 0, ErrEmptyDocument)
	}
	for _, name := range recordFields {
		if _, ok := values[name]; !ok {
			return nil, newParseError(name, body, 0, ErrFieldMissing)
		}
	}
	return values, nil
}
