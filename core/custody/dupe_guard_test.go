package custody_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/tradesmith/core/custody"
	"github.com/adalundhe/tradesmith/core/item"
)

func component(id uint32, name string) item.Item {
	return item.Item{ID: id, Instance: id, Name: name, Tags: []item.Category{item.CategoryComponent}}
}

func TestGuard_CleanBatch(t *testing.T) {
	guard := custody.NewGuard(nil)

	result := guard.Check([]item.Container{
		{Bag: item.Item{ID: 1}, Contents: []item.Item{
			component(10, "Jagged Pattern"),
			component(11, "Smooth Pattern"),
		}},
	})

	assert.True(t, result.OK)
	assert.Empty(t, result.Offending)
	assert.Empty(t, result.Reason())
}

func TestGuard_DuplicatesAcrossContainers(t *testing.T) {
	guard := custody.NewGuard(nil)

	// The duplicate pair straddles two containers; the whole batch is
	// rejected, not just the second container.
	result := guard.Check([]item.Container{
		{Bag: item.Item{ID: 1}, Contents: []item.Item{component(10, "Jagged Pattern")}},
		{Bag: item.Item{ID: 2}, Contents: []item.Item{component(20, "jagged  pattern")}},
	})

	require.False(t, result.OK)
	require.Len(t, result.Offending, 1)
	assert.Len(t, result.Offending[0].Units, 2)
	assert.Equal(t, "jagged pattern", result.Offending[0].Key.Name)
	assert.Contains(t, result.Reason(), "2x jagged pattern")
}

func TestGuard_InsensitiveCategoryAllowsDuplicates(t *testing.T) {
	guard := custody.NewGuard(nil)

	material := func(id uint32) item.Item {
		return item.Item{ID: id, Instance: id, Name: "Raw Ore", Tags: []item.Category{item.CategoryMaterial}}
	}
	result := guard.Check([]item.Container{
		{Bag: item.Item{ID: 1}, Contents: []item.Item{material(1), material(2), material(3)}},
	})

	assert.True(t, result.OK)
}

func TestGuard_SameNameDifferentCategory(t *testing.T) {
	guard := custody.NewGuard(nil)

	blueprint := item.Item{ID: 30, Instance: 1, Name: "Pattern", Tags: []item.Category{item.CategoryBlueprint}}
	comp := item.Item{ID: 31, Instance: 1, Name: "Pattern", Tags: []item.Category{item.CategoryComponent}}

	result := guard.Check([]item.Container{
		{Bag: item.Item{ID: 1}, Contents: []item.Item{blueprint, comp}},
	})

	assert.True(t, result.OK)
}

func TestGuard_StableOffendingOrder(t *testing.T) {
	guard := custody.NewGuard(nil)

	batch := []item.Container{
		{Bag: item.Item{ID: 1}, Contents: []item.Item{
			component(10, "Zeta Part"), component(11, "Zeta Part"),
			component(12, "Alpha Part"), component(13, "Alpha Part"),
		}},
	}

	first := guard.Check(batch)
	second := guard.Check(batch)

	require.Len(t, first.Offending, 2)
	assert.Equal(t, "alpha part", first.Offending[0].Key.Name)
	assert.Equal(t, "zeta part", first.Offending[1].Key.Name)
	assert.Equal(t, first.Reason(), second.Reason())
}
