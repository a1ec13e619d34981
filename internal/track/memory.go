package track

import (
	"fmt"
	"strings"
)

// Document is the agent's working memory: named markdown sections rendered
// in insertion order. It is not safe for concurrent use. The memory mutex
// group serializes every tool that touches it, so at most one handler holds
// the document at any time.
type Document struct {
	sections map[string]string
	order    []string
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{sections: make(map[string]string)}
}

// UpdateSection replaces the named section, appending it when new. Empty
// content removes the section.
func (d *Document) UpdateSection(section, content string) {
	if content == "" {
		if _, ok := d.sections[section]; !ok {
			return
		}
		delete(d.sections, section)
		for i, name := range d.order {
			if name == section {
				d.order = append(d.order[:i], d.order[i+1:]...)
				break
			}
		}
		return
	}
	if _, ok := d.sections[section]; !ok {
		d.order = append(d.order, section)
	}
	d.sections[section] = content
}

// Render produces the markdown document, one heading per section.
func (d *Document) Render() string {
	if len(d.order) == 0 {
		return ""
	}
	var b strings.Builder
	for i, name := range d.order {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n", name, strings.TrimRight(d.sections[name], "\n"))
	}
	return b.String()
}
