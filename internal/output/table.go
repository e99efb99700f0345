package output

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

func newWriter(view tabular) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	// Footers carry summaries; keep their case.
	t.Style().Format.Footer = text.FormatDefault
	if title := view.title(); title != "" {
		t.SetTitle(title)
	}
	t.AppendHeader(table.Row(view.header()))
	for _, row := range view.rows() {
		t.AppendRow(table.Row(row))
	}
	if footer := view.footer(); len(footer) > 0 {
		t.AppendFooter(table.Row(footer))
	}
	return t
}

func renderTable(view tabular) string {
	return newWriter(view).Render()
}
