// Package item defines the unit data model shared by custody tracking, the
// transformation pipeline boundary, and the recovery store.
package item

import (
	"fmt"
	"strings"
)

// =============================================================================
// Category
// =============================================================================

// Category is a coarse classification derived from a unit's name and tags.
// It drives two decisions: which units are processable material (never
// protected as agent tools) and which groups break downstream processing
// when duplicated in a single batch.
type Category int

const (
	// CategoryUnknown is the fallback for units no rule matches.
	CategoryUnknown Category = iota
	// CategoryMaterial is raw processable material.
	CategoryMaterial
	// CategoryComponent is an intermediate part consumed by processing.
	CategoryComponent
	// CategoryAugment is an installable upgrade unit.
	CategoryAugment
	// CategoryBlueprint is a consumable instruction unit.
	CategoryBlueprint
	// CategoryGem is a cut or uncut precious unit.
	CategoryGem
	// CategoryTool is a reusable instrument the agent works with.
	CategoryTool
	// CategoryContainer is a grouping unit holding other units.
	CategoryContainer
)

var categoryNames = map[Category]string{
	CategoryUnknown:   "unknown",
	CategoryMaterial:  "material",
	CategoryComponent: "component",
	CategoryAugment:   "augment",
	CategoryBlueprint: "blueprint",
	CategoryGem:       "gem",
	CategoryTool:      "tool",
	CategoryContainer: "container",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return "unknown"
}

// DuplicateSensitive reports whether two same-named units of this category
// in one batch make downstream processing fail. The processing pipeline
// consumes categorized inputs irreversibly, and for these categories it
// cannot tell two identical inputs apart once consumed.
func (c Category) DuplicateSensitive() bool {
	switch c {
	case CategoryComponent, CategoryAugment, CategoryBlueprint:
		return true
	default:
		return false
	}
}

// Processable reports whether units of this category are material handed
// over for transformation. Processable units are never agent property no
// matter what their names look like.
func (c Category) Processable() bool {
	switch c {
	case CategoryMaterial, CategoryComponent, CategoryAugment, CategoryBlueprint, CategoryGem:
		return true
	default:
		return false
	}
}

// =============================================================================
// Item
// =============================================================================

// Item is an individually identified piece of tradable property.
// Identity is carried by the (ID, Instance) pair: ID names the kind of unit
// and Instance the concrete one. Instance may be zero for kinds the
// transport does not instance-track, which is why provenance never relies
// on Instance alone.
type Item struct {
	ID           uint32     `json:"id"`
	Instance     uint32     `json:"instance"`
	Name         string     `json:"name"`
	Quantity     int        `json:"quantity"`
	QualityLevel int        `json:"quality_level"`
	Tags         []Category `json:"tags,omitempty"`
}

// Key returns the stable identity key "ID_Instance". Names are not part of
// the key: the transport reports them inconsistently.
func (i Item) Key() string {
	return fmt.Sprintf("%d_%d", i.ID, i.Instance)
}

// Category returns the first tag, or CategoryUnknown when untagged.
func (i Item) Category() Category {
	if len(i.Tags) == 0 {
		return CategoryUnknown
	}
	return i.Tags[0]
}

// HasTag reports whether the unit carries the given category tag.
func (i Item) HasTag(c Category) bool {
	for _, tag := range i.Tags {
		if tag == c {
			return true
		}
	}
	return false
}

// IsContainer reports whether the unit is a grouping unit.
func (i Item) IsContainer() bool {
	return i.HasTag(CategoryContainer)
}

func (i Item) String() string {
	return fmt.Sprintf("%s (id:%d, ql:%d)", i.Name, i.ID, i.QualityLevel)
}

// NormalizeName lowercases and collapses interior whitespace so that
// transport-side name variants compare equal.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// Container pairs a grouping unit with its scanned contents.
type Container struct {
	Bag      Item   `json:"bag"`
	Contents []Item `json:"contents"`
}

// AllItems flattens the containers of a batch into one slice, bag units
// excluded.
func AllItems(containers []Container) []Item {
	var out []Item
	for _, c := range containers {
		out = append(out, c.Contents...)
	}
	return out
}
