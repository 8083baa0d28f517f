package service

import (
	"context"
	"encoding/json"

	"github.com/factorlab/factorlab/internal/cache"
	"github.com/factorlab/factorlab/internal/errs"
)

// Table fields servable alongside the charts.
const (
	FieldAnalysis = "factor_data_analysis"
	FieldGroups   = "one_group_data"
	FieldTop      = "last_date_top_factor"
)

// bundleFields is the set of result-bundle fields reachable through the
// query surface. The names match the stored document keys.
var bundleFields = map[string]bool{
	"ic_sequence_chart":              true,
	"ic_density_chart":               true,
	"ic_decay_chart":                 true,
	"ic_self_correlation_chart":      true,
	"rank_ic_sequence_chart":         true,
	"rank_ic_density_chart":          true,
	"rank_ic_decay_chart":            true,
	"rank_ic_self_correlation_chart": true,
	"return_chart":                   true,
	"simple_return_chart":            true,
	"excess_chart":                   true,
	"group_return_analysis":          true,
	FieldAnalysis:                    true,
	FieldGroups:                      true,
	FieldTop:                         true,
}

// GetBundleField serves one field of a task's result bundle through the
// read-through cache. Bundles are immutable, so a cached projection never
// goes stale. Cache failures degrade to store reads.
func (s *Service) GetBundleField(ctx context.Context, taskID, field string) (json.RawMessage, error) {
	if !bundleFields[field] {
		return nil, errs.Validationf("unknown chart %q", field)
	}

	key := cache.FieldKey(taskID, field)
	if v, ok, err := s.cache.Get(ctx, key); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("chart cache read failed")
	} else if ok {
		s.recordCache(true)
		return json.RawMessage(v), nil
	}
	s.recordCache(false)

	val, err := s.repo.Results.GetField(ctx, taskID, field)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(val)
	if err != nil {
		return nil, errs.Internalf("could not encode bundle field %s: %v", field, err)
	}
	if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("chart cache write failed")
	}
	return json.RawMessage(data), nil
}

func (s *Service) recordCache(hit bool) {
	if s.metrics == nil {
		return
	}
	if hit {
		s.metrics.RecordCacheHit(s.cache.Kind())
		return
	}
	s.metrics.RecordCacheMiss(s.cache.Kind())
}
