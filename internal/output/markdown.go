package output

import "strings"

func renderMarkdown(view tabular) string {
	var b strings.Builder
	if title := view.title(); title != "" {
		b.WriteString("## ")
		b.WriteString(title)
		b.WriteString("\n\n")
	}
	t := newWriter(view)
	t.SetTitle("")
	b.WriteString(t.RenderMarkdown())
	return b.String()
}
