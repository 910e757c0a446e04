// Package pipeline defines the boundary to the external transformation
// pipeline that decides what a batch of units becomes. The orchestration
// engine only dispatches batches and collects results; recipe selection and
// crafting mechanics live behind this interface.
package pipeline

import (
	"context"

	"github.com/adalundhe/tradesmith/core/item"
)

// BatchResult carries what a processed batch turned into.
type BatchResult struct {
	// Results are the units produced, in the order they should be handed
	// back to the counterparty.
	Results []item.Item

	// Processed is how many input units the pipeline consumed.
	Processed int
}

// Processor consumes a batch of counterparty-provided units and transforms
// them. Consumption is irreversible: once ProcessBatch returns without
// error the inputs are gone and only Results remain to hand back.
type Processor interface {
	ProcessBatch(ctx context.Context, units []item.Item) (BatchResult, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, units []item.Item) (BatchResult, error)

func (f ProcessorFunc) ProcessBatch(ctx context.Context, units []item.Item) (BatchResult, error) {
	return f(ctx, units)
}
