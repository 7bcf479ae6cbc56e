package driver

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Locator identifies elements on the page. CSS and XPath select a base set (all elements when both
// are empty), Tag narrows it by element name and Text keeps elements whose normalized own text
// contains Text.
type Locator struct {
	CSS   string `yaml:"css" json:"css,omitempty"`
	XPath string `yaml:"xpath" json:"xpath,omitempty"`
	Text  string `yaml:"text" json:"text,omitempty"`
	Tag   string `yaml:"tag" json:"tag,omitempty"`
}

// CSS is the locator for a bare selector string.
func CSS(selector string) Locator {
	return Locator{CSS: selector}
}

func XPath(expr string) Locator {
	return Locator{XPath: expr}
}

// Text locates elements of any tag by their text content.
func Text(text string) Locator {
	return Locator{Text: text}
}

// ByRef locates an element previously tagged by a browser backend.
func ByRef(ref string) Locator {
	return Locator{CSS: fmt.Sprintf("[%s=%s]", RefAttribute, strconv.Quote(ref))}
}

// RefAttribute is set by browser backends on every element they return so later actions can address
// the exact same node.
const RefAttribute = "data-harness-ref"

func (l Locator) Validate() error {
	if l.CSS != "" && l.XPath != "" {
		return errors.New("locator cannot combine css and xpath")
	}
	if l == (Locator{}) {
		return errors.New("locator is empty")
	}
	return nil
}

func (l Locator) String() string {
	var parts []string
	if l.CSS != "" {
		parts = append(parts, "css="+strconv.Quote(l.CSS))
	}
	if l.XPath != "" {
		parts = append(parts, "xpath="+strconv.Quote(l.XPath))
	}
	if l.Tag != "" {
		parts = append(parts, "tag="+l.Tag)
	}
	if l.Text != "" {
		parts = append(parts, "text="+strconv.Quote(l.Text))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// UnmarshalYAML accepts either a bare CSS selector or a mapping of the locator fields.
func (l *Locator) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*l = CSS(value.Value)
		return nil
	}

	type plain Locator
	var p plain
	if err := value.Decode(&p); err != nil {
		return fmt.Errorf("locator must be a css selector or a mapping: %w", err)
	}
	*l = Locator(p)
	return nil
}

// NormalizeText collapses whitespace the way text locators compare it.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
