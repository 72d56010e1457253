// Package acordxml parses ACORD TXLife submissions (103 and 121) into a
// navigable element tree. Lookups use dotted paths against local element
// names, with the aliases ACORDInsuredHolding and ACORDInsuredParty
// resolving to the submission's primary holding and insured party.
package acordxml

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"
)

// Element is one node of a parsed TXLife document.
type Element struct {
	Name     string
	Value    string
	Attrs    map[string]string
	Children []*Element

	aliases map[string]*Element
}

// Attr returns the named attribute, or "".
func (e *Element) Attr(name string) string {
	return e.Attrs[name]
}

// TC returns the ACORD type-code attribute, or "".
func (e *Element) TC() string {
	return e.Attrs["tc"]
}

// Elements returns the direct children.
func (e *Element) Elements() []*Element {
	return e.Children
}

// Element resolves a dotted path like
// "ACORDInsuredHolding.Policy.ApplicationInfo.SignedDate". Each segment
// matches a direct child first, then the nearest descendant in document
// order. Returns nil when any segment fails to resolve.
func (e *Element) Element(path string) *Element {
	cur := e
	for _, seg := range strings.Split(path, ".") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			return nil
		}
		next := cur.resolve(seg)
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

func (e *Element) resolve(name string) *Element {
	if alias := e.aliases[name]; alias != nil {
		return alias
	}
	for _, c := range e.Children {
		if c.Name == name {
			return c
		}
	}
	return e.find(name)
}

// find returns the first descendant with the given name, depth-first in
// document order.
func (e *Element) find(name string) *Element {
	for _, c := range e.Children {
		if c.Name == name {
			return c
		}
		if hit := c.find(name); hit != nil {
			return hit
		}
	}
	return nil
}

// Handler is a parsed ACORD document. TxList holds the TXLife elements.
type Handler struct {
	TxList []*Element

	root *Element
}

// ParseFile parses the ACORD document at path.
func ParseFile(path string) (*Handler, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	h, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return h, nil
}

// ParseBytes parses an ACORD document held in memory.
func ParseBytes(data []byte) (*Handler, error) {
	return Parse(bytes.NewReader(data))
}

// Parse reads an ACORD document from r.
func Parse(r io.Reader) (*Handler, error) {
	dec := xml.NewDecoder(r)
	var root *Element
	var stack []*Element

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("malformed ACORD xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			elem := &Element{Name: t.Name.Local}
			if len(t.Attr) > 0 {
				elem.Attrs = make(map[string]string, len(t.Attr))
				for _, a := range t.Attr {
					elem.Attrs[a.Name.Local] = a.Value
				}
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("multiple document roots")
				}
				root = elem
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, elem)
			}
			stack = append(stack, elem)
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].Value += string(t)
			}
		case xml.EndElement:
			if len(stack) > 0 {
				top := stack[len(stack)-1]
				top.Value = strings.TrimSpace(top.Value)
				stack = stack[:len(stack)-1]
			}
		}
	}
	if root == nil {
		return nil, fmt.Errorf("empty ACORD document")
	}

	h := &Handler{root: root}
	if root.Name == "TXLife" {
		h.TxList = []*Element{root}
	} else {
		for _, c := range root.Children {
			if c.Name == "TXLife" {
				h.TxList = append(h.TxList, c)
			}
		}
		if len(h.TxList) == 0 {
			h.TxList = []*Element{root}
		}
	}
	for _, tx := range h.TxList {
		tx.aliases = buildAliases(tx)
	}
	return h, nil
}

// buildAliases resolves the synthetic names used by index field references
// and carrier customizations.
func buildAliases(tx *Element) map[string]*Element {
	aliases := make(map[string]*Element)
	olife := tx.Element("TXLifeRequest.OLifE")
	if olife == nil {
		olife = tx.find("OLifE")
	}
	if olife == nil {
		return aliases
	}
	if holding := firstChildNamed(olife, "Holding"); holding != nil {
		aliases["ACORDInsuredHolding"] = holding
	}
	if insured := insuredParty(olife); insured != nil {
		aliases["ACORDInsuredParty"] = insured
	}
	return aliases
}

func firstChildNamed(e *Element, name string) *Element {
	for _, c := range e.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// insuredParty finds the Party playing the insured role: the party a
// Relation with role code 32 (insured) points at, else the first party
// with a Person child.
func insuredParty(olife *Element) *Element {
	partiesByID := make(map[string]*Element)
	var relations []*Element
	for _, c := range olife.Children {
		switch c.Name {
		case "Party":
			if id := c.Attr("id"); id != "" {
				partiesByID[id] = c
			}
		case "Relation":
			relations = append(relations, c)
		}
	}
	for _, rel := range relations {
		code := rel.Element("RelationRoleCode")
		if code == nil || code.TC() != "32" {
			continue
		}
		if id := rel.Attr("RelatedObjectID"); id != "" {
			if p := partiesByID[id]; p != nil {
				return p
			}
		}
		if idElem := rel.Element("RelatedObjectID"); idElem != nil {
			if p := partiesByID[idElem.Value]; p != nil {
				return p
			}
		}
	}
	for _, c := range olife.Children {
		if c.Name == "Party" && firstChildNamed(c, "Person") != nil {
			return c
		}
	}
	return nil
}
