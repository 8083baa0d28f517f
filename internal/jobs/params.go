package jobs

import (
	"time"

	"github.com/factorlab/factorlab/internal/analysis"
	"github.com/factorlab/factorlab/internal/errs"
	"github.com/factorlab/factorlab/internal/persistence"
)

// paramDateLayout is the intake format for evaluation windows. Store
// reads strip the dashes.
const paramDateLayout = "2006-01-02"

// validCycles are the supported rebalancing cycles in trading days.
var validCycles = map[int]bool{1: true, 3: true, 5: true, 10: true, 20: true, 30: true}

// validPools are the recognized stock pool codes; 000985 is the whole
// market.
var validPools = map[string]bool{"000300": true, "000905": true, "000852": true, "000985": true}

// NormalizeParams validates evaluation parameters and canonicalizes the
// enum synonyms the intake accepts. The returned copy is what a task
// freezes; the factor record keeps whatever the user wrote.
func NormalizeParams(p persistence.Params) (persistence.Params, error) {
	out := p
	start, err := time.Parse(paramDateLayout, p.StartDate)
	if err != nil {
		return out, errs.Validationf("start_date must be YYYY-MM-DD, got %q", p.StartDate)
	}
	end, err := time.Parse(paramDateLayout, p.EndDate)
	if err != nil {
		return out, errs.Validationf("end_date must be YYYY-MM-DD, got %q", p.EndDate)
	}
	if start.After(end) {
		return out, errs.Validationf("start_date %s is after end_date %s", p.StartDate, p.EndDate)
	}
	if !validCycles[p.AdjustmentCycle] {
		return out, errs.Validationf("unsupported adjustment_cycle %d; valid cycles are 1, 3, 5, 10, 20, 30", p.AdjustmentCycle)
	}
	if !validPools[p.StockPool] {
		return out, errs.Validationf("unsupported stock_pool %q; valid pools are 000300, 000905, 000852, 000985", p.StockPool)
	}
	if p.GroupNumber < 2 || p.GroupNumber > 20 {
		return out, errs.Validationf("group_number must be between 2 and 20, got %d", p.GroupNumber)
	}
	method, err := analysis.ParseTrimMethod(p.ExtremeValueProcessing)
	if err != nil {
		return out, err
	}
	out.ExtremeValueProcessing = string(method)
	dir, err := analysis.ParseDirection(p.FactorDirection)
	if err != nil {
		return out, err
	}
	out.FactorDirection = string(dir)
	return out, nil
}
