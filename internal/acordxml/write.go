package acordxml

import (
	"bytes"
	"encoding/xml"
	"sort"

	"github.com/ilsys/asap/internal/fileutil"
)

// NewElement builds a detached element for insertion.
func NewElement(name, value string) *Element {
	return &Element{Name: name, Value: value}
}

// SetValue replaces the element's text content.
func (e *Element) SetValue(v string) {
	e.Value = v
}

// RemoveElement deletes the first descendant with the given name,
// depth-first in document order. Returns false when no such element
// exists.
func (e *Element) RemoveElement(name string) bool {
	for i, c := range e.Children {
		if c.Name == name {
			e.Children = append(e.Children[:i], e.Children[i+1:]...)
			return true
		}
		if c.RemoveElement(name) {
			return true
		}
	}
	return false
}

// InsertAfter places elem as a sibling immediately after the first
// direct child with the given name. Returns false when no such child
// exists.
func (e *Element) InsertAfter(after string, elem *Element) bool {
	for i, c := range e.Children {
		if c.Name == after {
			e.Children = append(e.Children[:i+1],
				append([]*Element{elem}, e.Children[i+1:]...)...)
			return true
		}
	}
	return false
}

// Marshal serializes the document back to XML. Used when a carrier
// customization edits a submission in place before transmit.
func (h *Handler) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := encodeElement(enc, h.root); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// WriteFile serializes the document and writes it atomically to path.
func (h *Handler) WriteFile(path string) error {
	data, err := h.Marshal()
	if err != nil {
		return err
	}
	return fileutil.WriteFileAtomic(path, data)
}

func encodeElement(enc *xml.Encoder, e *Element) error {
	start := xml.StartElement{Name: xml.Name{Local: e.Name}}
	names := make([]string, 0, len(e.Attrs))
	for name := range e.Attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: name}, Value: e.Attrs[name]})
	}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if e.Value != "" {
		if err := enc.EncodeToken(xml.CharData(e.Value)); err != nil {
			return err
		}
	}
	for _, c := range e.Children {
		if err := encodeElement(enc, c); err != nil {
			return err
		}
	}
	return enc.EncodeToken(xml.EndElement{Name: start.Name})
}
