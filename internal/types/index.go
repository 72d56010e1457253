package types

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/lestrrat-go/strftime"

	"github.com/ilsys/asap/internal/fileutil"
	"github.com/ilsys/asap/internal/timeparsing"
)

// IndexType selects whether a contact receives one index file per case or
// one per document.
type IndexType string

const (
	IndexTypeCase     IndexType = "case"
	IndexTypeDocument IndexType = "document"
)

// FieldSource identifies the system an index field's value is pulled from.
type FieldSource string

const (
	FieldSourceLIMS     FieldSource = "lims"
	FieldSourceAcord103 FieldSource = "acord103"
	FieldSourceAcord121 FieldSource = "acord121"
	FieldSourceDeltaQC  FieldSource = "deltaqc"
	FieldSourceCaseQC   FieldSource = "caseqc"
	FieldSourceConstant FieldSource = "constant"
	FieldSourceDerived  FieldSource = "derived"
)

// FieldType is the value type of an index field.
type FieldType string

const (
	FieldTypeDate   FieldType = "date"
	FieldTypeString FieldType = "string"
	FieldTypeNumber FieldType = "number"
)

// FormatSSN marks a number field that renders as a social security number.
const FormatSSN = "999-99-9999"

// Field is one entry of a contact's index schema, carrying both the field
// metadata and the current value for the case being indexed.
type Field struct {
	name      string
	fieldType FieldType
	format    string
	required  bool
	maxLength int
	source    FieldSource
	reference string
	value     string
}

// NewField builds a field from its schema row. Date formats store '^' as a
// placeholder for the '%' of strftime directives.
func NewField(name string, ftype FieldType, required bool, maxLength int, format string, source FieldSource, reference string) *Field {
	f := &Field{
		name:      name,
		fieldType: ftype,
		format:    format,
		required:  required,
		maxLength: maxLength,
		source:    source,
		reference: reference,
	}
	if ftype == FieldTypeDate && format != "" {
		f.format = strings.ReplaceAll(format, "^", "%")
	}
	f.Reset()
	return f
}

func (f *Field) Name() string        { return f.name }
func (f *Field) Type() FieldType     { return f.fieldType }
func (f *Field) Source() FieldSource { return f.source }
func (f *Field) Reference() string   { return f.reference }
func (f *Field) Required() bool      { return f.required }
func (f *Field) Value() string       { return f.value }

// Reset clears the field value. Constant fields reset to their reference.
func (f *Field) Reset() {
	if f.source == FieldSourceConstant {
		f.value = f.reference
	} else {
		f.value = ""
	}
}

// SetValue formats and stores a raw value. Empty input clears the field
// and succeeds; the required check happens when the index is rendered.
// Values longer than the field's max length are truncated.
func (f *Field) SetValue(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		f.value = ""
		return nil
	}
	val, err := f.formatValue(raw)
	if err != nil {
		return fmt.Errorf("field %s: %w", f.name, err)
	}
	if f.maxLength > 0 && len(val) > f.maxLength {
		val = val[:f.maxLength]
	}
	f.value = val
	return nil
}

func (f *Field) formatValue(raw string) (string, error) {
	val := raw
	if f.format != "" {
		switch f.fieldType {
		case FieldTypeDate:
			t, err := timeparsing.ParseDate(raw)
			if err != nil {
				return "", err
			}
			formatted, err := strftime.Format(f.format, t)
			if err != nil {
				return "", fmt.Errorf("date format %q: %w", f.format, err)
			}
			val = formatted
		case FieldTypeNumber:
			formatted, err := f.formatNumber(raw)
			if err != nil {
				return "", err
			}
			val = formatted
		}
	}
	return strings.TrimSpace(val), nil
}

func (f *Field) formatNumber(raw string) (string, error) {
	val := raw
	if len(val) > 1 {
		// strip separators like dashes, dollar signs, commas (a leading
		// minus sign survives)
		val = val[:1] + strings.ReplaceAll(val[1:], "-", "")
		val = strings.ReplaceAll(val, "$", "")
		val = strings.ReplaceAll(val, ",", "")
	}
	if f.format == FormatSSN {
		if len(val) != 9 {
			return "", fmt.Errorf("value %q cannot be converted to SSN format", raw)
		}
		return val[:3] + "-" + val[3:5] + "-" + val[5:], nil
	}
	floatVal, err := strconv.ParseFloat(val, 64)
	if err != nil {
		// not numeric: render as empty rather than failing the index
		return "", nil
	}
	return fmt.Sprintf("%"+f.format+"f", floatVal), nil
}

// delimEscapes maps the placeholders used in configuration rows to the
// characters they stand for.
var delimEscapes = map[string]string{
	"<LF>": "\n",
	"<CR>": "\r",
	"<T>":  "\t",
	"<SP>": " ",
}

func unescapeDelim(s string) string {
	for seq, ch := range delimEscapes {
		s = strings.ReplaceAll(s, seq, ch)
	}
	return s
}

// Index is a contact's ordered index schema with support for rendering
// and parsing index files. Delim separates field/value pairs; Subdelim
// separates a field name from its value.
type Index struct {
	Type IndexType

	fields   map[string]*Field
	order    map[int]string
	delim    string
	subdelim string
}

// NewIndex builds an empty index. Delimiters may use the configuration
// placeholders <LF>, <CR>, <T> and <SP>; empty delimiters default to a
// newline between pairs and '=' within them.
func NewIndex(t IndexType, delim, subdelim string) *Index {
	x := &Index{
		Type:     t,
		fields:   make(map[string]*Field),
		order:    make(map[int]string),
		delim:    "\n",
		subdelim: "=",
	}
	if delim != "" {
		x.delim = unescapeDelim(delim)
	}
	if subdelim != "" {
		x.subdelim = unescapeDelim(subdelim)
	}
	return x
}

func (x *Index) Delim() string    { return x.delim }
func (x *Index) Subdelim() string { return x.subdelim }

// Reset clears all field values back to their defaults.
func (x *Index) Reset() {
	for _, f := range x.fields {
		f.Reset()
	}
}

// AddField registers a field at the given ordinal position.
func (x *Index) AddField(f *Field, order int) {
	x.fields[f.Name()] = f
	x.order[order] = f.Name()
}

// Field returns the named field, or nil.
func (x *Index) Field(name string) *Field {
	return x.fields[name]
}

// OrderedFieldNames returns the field names in index order.
func (x *Index) OrderedFieldNames() []string {
	orders := make([]int, 0, len(x.order))
	for o := range x.order {
		orders = append(orders, o)
	}
	sort.Ints(orders)
	names := make([]string, 0, len(orders))
	for _, o := range orders {
		names = append(names, x.order[o])
	}
	return names
}

// Fields returns the fields in index order.
func (x *Index) Fields() []*Field {
	names := x.OrderedFieldNames()
	fields := make([]*Field, 0, len(names))
	for _, name := range names {
		fields = append(fields, x.fields[name])
	}
	return fields
}

// Value returns the current value of the named field, or "".
func (x *Index) Value(name string) string {
	if f := x.fields[name]; f != nil {
		return f.Value()
	}
	return ""
}

// SetValue sets the named field's value.
func (x *Index) SetValue(name, value string) error {
	f := x.fields[name]
	if f == nil {
		return fmt.Errorf("index field %s does not exist", name)
	}
	return f.SetValue(value)
}

// Render serializes the index in field order. Every required field must
// have a value.
func (x *Index) Render() (string, error) {
	names := x.OrderedFieldNames()
	pairs := make([]string, 0, len(names))
	for _, name := range names {
		f := x.fields[name]
		if f.Value() == "" && f.Required() {
			return "", fmt.Errorf("required field %s missing value", name)
		}
		pairs = append(pairs, name+x.subdelim+f.Value())
	}
	return strings.Join(pairs, x.delim) + "\n", nil
}

// Parse reads serialized index data back into the field values.
func (x *Index) Parse(data string) error {
	pairs := strings.Split(strings.TrimSpace(data), x.delim)
	for _, pair := range pairs {
		parts := strings.SplitN(pair, x.subdelim, 2)
		if len(parts) != 2 {
			return fmt.Errorf("malformed index pair %q", pair)
		}
		if err := x.SetValue(parts[0], parts[1]); err != nil {
			return err
		}
	}
	return nil
}

// WriteFile renders the index and writes it atomically to path.
func (x *Index) WriteFile(path string) error {
	data, err := x.Render()
	if err != nil {
		return fmt.Errorf("writing index %s: %w", path, err)
	}
	return fileutil.WriteFileAtomic(path, []byte(data))
}

// ReadFile parses an index file into the field values.
func (x *Index) ReadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return x.Parse(string(data))
}
