// Package locator finds interactive elements in uiautomator snapshots.
//
// A Snapshot is parsed once per capture and never mutated. Callers build a
// Query (an ordered list of Matchers) and ask for the first match; every
// failure mode (empty dump, malformed XML, no match) is reported as "not
// found" rather than an error.
package locator

import (
	"encoding/xml"
	"strings"
	"time"
)

// Node is a single element of a uiautomator dump.
type Node struct {
	XMLName       xml.Name `xml:"node" json:"-"`
	Index         string   `xml:"index,attr" json:"index"`
	Text          string   `xml:"text,attr" json:"text"`
	ResourceID    string   `xml:"resource-id,attr" json:"resourceId"`
	Class         string   `xml:"class,attr" json:"class"`
	Package       string   `xml:"package,attr" json:"package"`
	ContentDesc   string   `xml:"content-desc,attr" json:"contentDesc"`
	Checkable     string   `xml:"checkable,attr" json:"checkable"`
	Checked       string   `xml:"checked,attr" json:"checked"`
	Clickable     string   `xml:"clickable,attr" json:"clickable"`
	Enabled       string   `xml:"enabled,attr" json:"enabled"`
	Focusable     string   `xml:"focusable,attr" json:"focusable"`
	Focused       string   `xml:"focused,attr" json:"focused"`
	Scrollable    string   `xml:"scrollable,attr" json:"scrollable"`
	LongClickable string   `xml:"long-clickable,attr" json:"longClickable"`
	Password      string   `xml:"password,attr" json:"password"`
	Selected      string   `xml:"selected,attr" json:"selected"`
	Bounds        string   `xml:"bounds,attr" json:"bounds"`
	Nodes         []Node   `xml:"node" json:"nodes"`
}

// IsClickable reports whether the node accepts taps.
func (n *Node) IsClickable() bool { return n.Clickable == "true" }

// IsEnabled reports whether the node is enabled. Dumps that omit the
// attribute are treated as enabled.
func (n *Node) IsEnabled() bool { return n.Enabled != "false" }

// Rect returns the parsed bounds of the node.
func (n *Node) Rect() (Bounds, bool) { return ParseBounds(n.Bounds) }

// Label returns the visible text of the node, falling back to its content description.
func (n *Node) Label() string {
	if t := strings.TrimSpace(n.Text); t != "" {
		return t
	}
	return strings.TrimSpace(n.ContentDesc)
}

// Attr returns a node attribute by its dump name or a common alias.
func (n *Node) Attr(name string) string {
	switch strings.ToLower(name) {
	case "text":
		return n.Text
	case "resource-id", "resourceid", "id":
		return n.ResourceID
	case "class":
		return n.Class
	case "package":
		return n.Package
	case "content-desc", "contentdesc", "description", "desc":
		return n.ContentDesc
	case "bounds":
		return n.Bounds
	case "clickable":
		return n.Clickable
	case "enabled":
		return n.Enabled
	case "focused":
		return n.Focused
	case "focusable":
		return n.Focusable
	case "scrollable":
		return n.Scrollable
	case "checkable":
		return n.Checkable
	case "checked":
		return n.Checked
	case "long-clickable", "longclickable":
		return n.LongClickable
	case "password":
		return n.Password
	case "selected":
		return n.Selected
	}
	return ""
}

type hierarchy struct {
	XMLName xml.Name `xml:"hierarchy"`
	Nodes   []Node   `xml:"node"`
}

// Snapshot is an immutable capture of the screen at one point in time.
type Snapshot struct {
	Root       *Node
	Raw        string
	CapturedAt time.Time
}

// Parse decodes a uiautomator dump. The second return value is false when
// the dump is empty or cannot be decoded.
func Parse(raw string) (*Snapshot, bool) {
	start := strings.Index(raw, "<?xml")
	if start == -1 {
		start = strings.Index(raw, "<hierarchy")
	}
	if start == -1 {
		return nil, false
	}
	content := raw[start:]
	if end := strings.LastIndex(content, ">"); end != -1 && end < len(content)-1 {
		content = content[:end+1]
	}
	cleaned := content

	// uiautomator sometimes leaves bare ampersands in text attributes
	content = strings.ReplaceAll(content, "&", "&amp;")
	content = strings.ReplaceAll(content, "&amp;amp;", "&amp;")
	content = strings.ReplaceAll(content, "&amp;lt;", "&lt;")
	content = strings.ReplaceAll(content, "&amp;gt;", "&gt;")
	content = strings.ReplaceAll(content, "&amp;quot;", "&quot;")
	content = strings.ReplaceAll(content, "&amp;apos;", "&apos;")
	content = strings.ReplaceAll(content, "&amp;#", "&#")

	var h hierarchy
	if err := xml.Unmarshal([]byte(content), &h); err != nil {
		return nil, false
	}
	if len(h.Nodes) == 0 {
		return nil, false
	}

	var root *Node
	if len(h.Nodes) == 1 {
		root = &h.Nodes[0]
	} else {
		root = &Node{
			Class:   "android.view.View",
			Package: h.Nodes[0].Package,
			Bounds:  "[0,0][0,0]",
			Nodes:   h.Nodes,
		}
	}

	return &Snapshot{Root: root, Raw: cleaned, CapturedAt: time.Now()}, true
}

// Nodes returns every node of the snapshot in document order.
func (s *Snapshot) Nodes() []*Node {
	if s == nil || s.Root == nil {
		return nil
	}
	var out []*Node
	var walk func(n *Node)
	walk = func(n *Node) {
		out = append(out, n)
		for i := range n.Nodes {
			walk(&n.Nodes[i])
		}
	}
	walk(s.Root)
	return out
}

// Collect returns the nodes matching pred in document order.
func (s *Snapshot) Collect(pred func(*Node) bool) []*Node {
	var out []*Node
	for _, n := range s.Nodes() {
		if pred(n) {
			out = append(out, n)
		}
	}
	return out
}

// Contains reports whether any node satisfies pred.
func (s *Snapshot) Contains(pred func(*Node) bool) bool {
	for _, n := range s.Nodes() {
		if pred(n) {
			return true
		}
	}
	return false
}
