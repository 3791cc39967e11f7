package table

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"github.com/ehr/fhirtable/internal/platform/document"
)

// Format names an output encoding.
type Format string

const (
	FormatCSV    Format = "csv"
	FormatJSON   Format = "json"
	FormatNDJSON Format = "ndjson"
	FormatText   Format = "text"
)

// ParseFormat maps a flag value to a Format; empty means text.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatText, nil
	case FormatCSV, FormatJSON, FormatNDJSON, FormatText:
		return f, nil
	}
	return "", fmt.Errorf("unknown output format %q", s)
}

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatJSON:
		return "application/json"
	case FormatNDJSON:
		return "application/x-ndjson"
	}
	return "text/plain; charset=utf-8"
}

// Write renders t in format f.
func Write(w io.Writer, t *Table, f Format, transpose bool) error {
	switch f {
	case FormatCSV:
		return WriteCSV(w, t)
	case FormatJSON:
		return WriteJSON(w, t)
	case FormatNDJSON:
		return WriteNDJSON(w, t)
	default:
		return WriteText(w, t, transpose)
	}
}

// WriteCSV writes a header line and one record per row. nil cells are empty.
func WriteCSV(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.columns); err != nil {
		return err
	}
	record := make([]string, len(t.columns))
	for _, row := range t.rows {
		for i, v := range row {
			record[i] = CellText(v)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes an array of objects with keys in column order.
func WriteJSON(w io.Writer, t *Table) error {
	bw := bufio.NewWriter(w)
	bw.WriteByte('[')
	for i, row := range t.rows {
		if i > 0 {
			bw.WriteByte(',')
		}
		obj, err := rowObject(t.columns, row)
		if err != nil {
			return err
		}
		bw.Write(obj.Raw())
	}
	bw.WriteString("]\n")
	return bw.Flush()
}

// WriteNDJSON writes one object per line with keys in column order.
func WriteNDJSON(w io.Writer, t *Table) error {
	bw := bufio.NewWriter(w)
	for _, row := range t.rows {
		obj, err := rowObject(t.columns, row)
		if err != nil {
			return err
		}
		bw.Write(obj.Raw())
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// WriteText writes aligned columns. With transpose, each column becomes a
// line: the column name followed by that column's value in every row.
func WriteText(w io.Writer, t *Table, transpose bool) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	line := func(cells []string) {
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}

	if transpose {
		header := make([]string, len(t.rows)+1)
		for i := range t.rows {
			header[i+1] = fmt.Sprint(i)
		}
		line(header)
		for j, c := range t.columns {
			cells := make([]string, len(t.rows)+1)
			cells[0] = c
			for i, row := range t.rows {
				cells[i+1] = textCell(row[j])
			}
			line(cells)
		}
		return tw.Flush()
	}

	line(append([]string{""}, t.columns...))
	for i, row := range t.rows {
		cells := make([]string, len(row)+1)
		cells[0] = fmt.Sprint(i)
		for j, v := range row {
			cells[j+1] = textCell(v)
		}
		line(cells)
	}
	return tw.Flush()
}

func rowObject(columns []string, row []any) (*document.Node, error) {
	obj := document.NewObject()
	for i, c := range columns {
		n, err := cellNode(row[i])
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", c, err)
		}
		obj.Set(c, n)
	}
	return obj, nil
}

func cellNode(v any) (*document.Node, error) {
	switch val := v.(type) {
	case nil:
		return document.NewNull(), nil
	case string:
		return document.NewString(val), nil
	case bool:
		return document.NewBool(val), nil
	case decimal.Decimal:
		return document.NewNumber(val), nil
	case *document.Node:
		return val, nil
	}
	return document.FromValue(v)
}

// CellText renders a cell value as text; nil is the empty string.
func CellText(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	case decimal.Decimal:
		return document.FormatNumber(val)
	case *document.Node:
		return val.Text()
	}
	return fmt.Sprint(v)
}

// textCell renders nil as "null" and flattens whitespace that would break
// alignment.
func textCell(v any) string {
	if v == nil {
		return "null"
	}
	return strings.NewReplacer("\t", " ", "\n", " ").Replace(CellText(v))
}
