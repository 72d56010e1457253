package types

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldSSNFormat(t *testing.T) {
	f := NewField("SSN", FieldTypeNumber, true, 0, FormatSSN, FieldSourceLIMS, "sample_person.ssn")

	require.NoError(t, f.SetValue("123456789"))
	assert.Equal(t, "123-45-6789", f.Value())

	// dashes after the first character are stripped before formatting
	require.NoError(t, f.SetValue("123-45-6789"))
	assert.Equal(t, "123-45-6789", f.Value())

	err := f.SetValue("12345")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SSN")
}

func TestFieldNumberFormat(t *testing.T) {
	f := NewField("Amount", FieldTypeNumber, false, 0, ".2", FieldSourceLIMS, "sample.amount")

	require.NoError(t, f.SetValue("$1,234.5"))
	assert.Equal(t, "1234.50", f.Value())

	// non-numeric values render as empty without failing
	require.NoError(t, f.SetValue("n/a"))
	assert.Equal(t, "", f.Value())
}

func TestFieldDateFormat(t *testing.T) {
	// '^' stands in for '%' in stored formats
	f := NewField("RecvDate", FieldTypeDate, false, 0, "^m/^d/^Y", FieldSourceLIMS, "sample.receive_date")

	require.NoError(t, f.SetValue("2024-05-17 14:30:00"))
	assert.Equal(t, "05/17/2024", f.Value())

	require.Error(t, f.SetValue("not a date"))
}

func TestFieldTruncation(t *testing.T) {
	f := NewField("Name", FieldTypeString, false, 5, "", FieldSourceLIMS, "sample_person.last_name")
	require.NoError(t, f.SetValue("Throckmorton"))
	assert.Equal(t, "Throc", f.Value())
}

func TestFieldEmptyValueClears(t *testing.T) {
	f := NewField("Name", FieldTypeString, true, 0, "", FieldSourceLIMS, "sample_person.last_name")
	require.NoError(t, f.SetValue("Smith"))
	require.NoError(t, f.SetValue("   "))
	assert.Equal(t, "", f.Value())
}

func TestConstantFieldReset(t *testing.T) {
	f := NewField("Dest", FieldTypeString, false, 0, "", FieldSourceConstant, "NEWBUS")
	assert.Equal(t, "NEWBUS", f.Value())

	require.NoError(t, f.SetValue("OTHER"))
	assert.Equal(t, "OTHER", f.Value())

	f.Reset()
	assert.Equal(t, "NEWBUS", f.Value())
}

func newTestIndex() *Index {
	x := NewIndex(IndexTypeCase, "<LF>", "=")
	x.AddField(NewField("TrackingID", FieldTypeString, true, 0, "", FieldSourceDeltaQC, "asapcase.trackingID"), 1)
	x.AddField(NewField("LastName", FieldTypeString, false, 0, "", FieldSourceLIMS, "sample_person.last_name"), 2)
	x.AddField(NewField("Dest", FieldTypeString, false, 0, "", FieldSourceConstant, "NEWBUS"), 3)
	return x
}

func TestIndexOrderAndRender(t *testing.T) {
	x := newTestIndex()
	assert.Equal(t, []string{"TrackingID", "LastName", "Dest"}, x.OrderedFieldNames())

	require.NoError(t, x.SetValue("TrackingID", "7700123"))
	require.NoError(t, x.SetValue("LastName", "Smith"))

	data, err := x.Render()
	require.NoError(t, err)
	assert.Equal(t, "TrackingID=7700123\nLastName=Smith\nDest=NEWBUS\n", data)
}

func TestIndexRenderRequiredMissing(t *testing.T) {
	x := newTestIndex()
	_, err := x.Render()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TrackingID")
}

func TestIndexFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "7700123.IDX")

	x := newTestIndex()
	require.NoError(t, x.SetValue("TrackingID", "7700123"))
	require.NoError(t, x.SetValue("LastName", "Smith"))
	require.NoError(t, x.WriteFile(path))

	y := newTestIndex()
	require.NoError(t, y.ReadFile(path))
	assert.Equal(t, "7700123", y.Value("TrackingID"))
	assert.Equal(t, "Smith", y.Value("LastName"))
	assert.Equal(t, "NEWBUS", y.Value("Dest"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "TrackingID=7700123\nLastName=Smith\nDest=NEWBUS\n", string(raw))
}

func TestIndexDelimEscapes(t *testing.T) {
	x := NewIndex(IndexTypeDocument, "<CR><LF>", "<T>")
	assert.Equal(t, "\r\n", x.Delim())
	assert.Equal(t, "\t", x.Subdelim())

	x.AddField(NewField("A", FieldTypeString, false, 0, "", FieldSourceDerived, ""), 1)
	x.AddField(NewField("B", FieldTypeString, false, 0, "", FieldSourceDerived, ""), 2)
	require.NoError(t, x.SetValue("A", "1"))
	require.NoError(t, x.SetValue("B", "2"))

	data, err := x.Render()
	require.NoError(t, err)
	assert.Equal(t, "A\t1\r\nB\t2\n", data)
}

func TestIndexParseMalformed(t *testing.T) {
	x := newTestIndex()
	err := x.Parse("TrackingID=1\nLastNameSmith")
	require.Error(t, err)
}

func TestIndexSetValueUnknownField(t *testing.T) {
	x := newTestIndex()
	require.Error(t, x.SetValue("Nope", "1"))
}
