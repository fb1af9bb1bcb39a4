package formatter

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
)

// XML renders any JSON-serialisable model as XML under a <pictura> root.
// Objects become nested elements; array entries are <item> elements.
type XML struct{}

func (XML) Extension() string   { return "xml" }
func (XML) ContentType() string { return "application/xml" }

func (XML) Format(model any) ([]byte, error) {
	raw, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString("<pictura>")
	if err := writeXMLValue(&buf, dec); err != nil {
		return nil, fmt.Errorf("formatter: xml: %w", err)
	}
	buf.WriteString("</pictura>")
	return buf.Bytes(), nil
}

func writeXMLValue(buf *bytes.Buffer, dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return err
				}
				key, _ := kt.(string)
				open, closing := element(key)
				buf.WriteString(open)
				if err := writeXMLValue(buf, dec); err != nil {
					return err
				}
				buf.WriteString(closing)
			}
		case '[':
			for dec.More() {
				buf.WriteString("<item>")
				if err := writeXMLValue(buf, dec); err != nil {
					return err
				}
				buf.WriteString("</item>")
			}
		}
		_, err := dec.Token()
		return err
	case nil:
		return nil
	case string:
		return xml.EscapeText(buf, []byte(t))
	default:
		_, err := io.WriteString(buf, fmt.Sprint(t))
		return err
	}
}

// element returns tags for key, falling back to <entry key="..."> when key
// is not a valid XML name.
func element(key string) (string, string) {
	if validName(key) {
		return "<" + key + ">", "</" + key + ">"
	}
	var attr bytes.Buffer
	_ = xml.EscapeText(&attr, []byte(key))
	return `<entry key="` + strings.ReplaceAll(attr.String(), `"`, "&quot;") + `">`, "</entry>"
}

func validName(s string) bool {
	if s == "" || strings.HasPrefix(strings.ToLower(s), "xml") {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case i > 0 && (r == '-' || r == '.' || (r >= '0' && r <= '9')):
		default:
			return false
		}
	}
	return true
}
