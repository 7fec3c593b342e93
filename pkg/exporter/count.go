package exporter

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/greyfinch-sync/pkg/entity"
	"github.com/Sternrassler/greyfinch-sync/pkg/ratelimit"
)

// CountPageSize is the page size used when only counting.
const CountPageSize = 100

// CountOptions tune Count.
type CountOptions struct {
	PageSize int
	Delay    time.Duration
	Window   entity.Window
	// Sleep defaults to ratelimit.Sleep.
	Sleep ratelimit.SleepFunc
}

// Count pages through def without writing anything and returns the number
// of upstream elements, rejected ones included.
func Count(ctx context.Context, exec Executor, def *entity.Definition, opts CountOptions) (int, error) {
	if opts.PageSize <= 0 {
		opts.PageSize = CountPageSize
	}
	if opts.Sleep == nil {
		opts.Sleep = ratelimit.Sleep
	}

	total := 0
	for offset := 0; ; offset += opts.PageSize {
		data, err := exec.Execute(ctx, def.Query, def.Variables(opts.PageSize, offset, opts.Window))
		if err != nil {
			return total, fmt.Errorf("count %s at offset %d: %w", def.Name, offset, err)
		}
		items, err := def.Page(data)
		if err != nil {
			return total, err
		}
		total += len(items)
		if len(items) < opts.PageSize {
			return total, nil
		}
		if opts.Delay > 0 {
			if err := opts.Sleep(ctx, opts.Delay); err != nil {
				return total, err
			}
		}
	}
}
