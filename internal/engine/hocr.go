package engine

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// parseHOCR reconstructs line-oriented text from tesseract's hOCR output.
// Words inside each ocr_line span are joined with single spaces; lines are
// joined with newlines. Used by the layout-preserving output mode.
func parseHOCR(data []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false
	dec.AutoClose = xml.HTMLAutoClose
	dec.Entity = xml.HTMLEntity

	var lines []string
	var words []string
	var inLine bool
	var wordDepth int
	var wordText strings.Builder

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse hOCR: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "span" {
				if wordDepth > 0 {
					wordDepth++
				}
				continue
			}
			switch classAttr(t) {
			case "ocr_line", "ocr_header", "ocr_caption", "ocr_textfloat":
				inLine = true
				words = words[:0]
			case "ocrx_word":
				if inLine {
					wordDepth = 1
					wordText.Reset()
				}
			default:
				if wordDepth > 0 {
					wordDepth++
				}
			}
		case xml.CharData:
			if wordDepth > 0 {
				wordText.Write(t)
			}
		case xml.EndElement:
			if wordDepth > 0 {
				wordDepth--
				if wordDepth == 0 {
					if w := strings.TrimSpace(wordText.String()); w != "" {
						words = append(words, w)
					}
					continue
				}
			}
			if t.Name.Local == "span" && inLine && wordDepth == 0 {
				if len(words) > 0 {
					lines = append(lines, strings.Join(words, " "))
					words = words[:0]
				}
				inLine = false
			}
		}
	}

	return strings.Join(lines, "\n"), nil
}

func classAttr(el xml.StartElement) string {
	for _, attr := range el.Attr {
		if attr.Name.Local == "class" {
			return attr.Value
		}
	}
	return ""
}
