package service

import (
	"context"
	"sort"

	"github.com/factorlab/factorlab/internal/analysis"
	"github.com/factorlab/factorlab/internal/errs"
	"github.com/factorlab/factorlab/internal/persistence"
)

// FactorInput is the create/update payload.
type FactorInput struct {
	UserID     string             `json:"user_id"`
	FactorName string             `json:"factor_name"`
	Name       string             `json:"name"`
	Code       string             `json:"code"`
	CodeType   string             `json:"code_type"`
	FactorType string             `json:"factor_type"`
	Describe   string             `json:"describe,omitempty"`
	Tags       []string           `json:"tags,omitempty"`
	Params     persistence.Params `json:"params"`
}

func (in *FactorInput) validate() error {
	switch {
	case in.UserID == "":
		return errs.Validationf("user_id is required")
	case in.FactorName == "":
		return errs.Validationf("factor_name is required")
	case in.Name == "":
		return errs.Validationf("name is required")
	case in.Code == "":
		return errs.Validationf("code is required")
	case in.CodeType == "":
		return errs.Validationf("code_type is required")
	}
	return nil
}

// CreateFactor stores a new factor definition and returns its id. A
// duplicate (user_id, factor_name) surfaces as a conflict from the store's
// unique index.
func (s *Service) CreateFactor(ctx context.Context, in FactorInput) (string, error) {
	if err := in.validate(); err != nil {
		return "", err
	}
	factorType := in.FactorType
	if factorType == "" {
		factorType = string(persistence.MarketStock)
	}
	now := persistence.NowString()
	f := &persistence.Factor{
		UserID:     in.UserID,
		FactorName: in.FactorName,
		Name:       in.Name,
		Code:       in.Code,
		CodeType:   in.CodeType,
		FactorType: factorType,
		Describe:   in.Describe,
		Tags:       in.Tags,
		Params:     in.Params,
		Status:     persistence.FactorIdle,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	id, err := s.repo.Factors.Create(ctx, f)
	if err != nil {
		return "", err
	}
	s.log.Info().Str("factor_id", id).Str("factor", in.FactorName).Str("user", in.UserID).Msg("factor created")
	return id, nil
}

// UpdateFactor replaces the definition fields of an existing factor. The
// run history stays: status, current_task_id and created_at are preserved.
// A factor cannot move between users.
func (s *Service) UpdateFactor(ctx context.Context, factorID string, in FactorInput) error {
	if err := in.validate(); err != nil {
		return err
	}
	existing, err := s.repo.Factors.Get(ctx, factorID)
	if err != nil {
		return err
	}
	if other, err := s.repo.Factors.GetByName(ctx, existing.UserID, in.FactorName); err == nil {
		if other.FactorID != factorID {
			return errs.Conflictf("a factor named %q already exists", in.FactorName)
		}
	} else if !errs.IsKind(err, errs.KindDataAvailability) {
		return err
	}

	factorType := in.FactorType
	if factorType == "" {
		factorType = existing.FactorType
	}
	updated := &persistence.Factor{
		FactorID:      factorID,
		UserID:        existing.UserID,
		FactorName:    in.FactorName,
		Name:          in.Name,
		Code:          in.Code,
		CodeType:      in.CodeType,
		FactorType:    factorType,
		Describe:      in.Describe,
		Tags:          in.Tags,
		Params:        in.Params,
		Status:        existing.Status,
		CurrentTaskID: existing.CurrentTaskID,
		CreatedAt:     existing.CreatedAt,
		UpdatedAt:     persistence.NowString(),
	}
	if err := s.repo.Factors.Update(ctx, updated); err != nil {
		return err
	}
	s.log.Info().Str("factor_id", factorID).Str("factor", in.FactorName).Msg("factor updated")
	return nil
}

func (s *Service) DeleteFactor(ctx context.Context, factorID string) error {
	if err := s.repo.Factors.Delete(ctx, factorID); err != nil {
		return err
	}
	s.log.Info().Str("factor_id", factorID).Msg("factor deleted")
	return nil
}

func (s *Service) GetFactor(ctx context.Context, factorID string) (*persistence.Factor, error) {
	return s.repo.Factors.Get(ctx, factorID)
}

// StatusInfo is the factor-status payload.
type StatusInfo struct {
	Status int    `json:"status"`
	TaskID string `json:"task_id"`
}

// FactorStatus reports the factor's lifecycle status and its most recent
// task. A factor that never ran reports task_id "unknown".
func (s *Service) FactorStatus(ctx context.Context, factorID string) (*StatusInfo, error) {
	f, err := s.repo.Factors.Get(ctx, factorID)
	if err != nil {
		return nil, err
	}
	taskID := f.CurrentTaskID
	if taskID == "" {
		taskID = "unknown"
	}
	return &StatusInfo{Status: f.Status, TaskID: taskID}, nil
}

// RunFactor submits an evaluation task for the factor and returns its id.
func (s *Service) RunFactor(ctx context.Context, factorID string) (string, error) {
	return s.runner.Submit(ctx, factorID)
}

// ListQuery shapes one page of a user's factor list.
type ListQuery struct {
	UserID    string
	Page      int
	PageSize  int
	SortField string
	SortOrder string
}

// ListItem is one row of the factor list, enriched with the headline
// metrics of the factor's latest result bundle.
type ListItem struct {
	FactorID     string  `json:"factor_id"`
	FactorName   string  `json:"factor_name"`
	Name         string  `json:"name"`
	Status       int     `json:"status"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
	ReturnRatio  float64 `json:"return_ratio"`
	AnnualReturn float64 `json:"annual_return"`
	Sharpe       float64 `json:"sharpe_ratio"`
	MaxDrawdown  float64 `json:"maximum_drawdown"`
	IC           float64 `json:"IC"`
	IR           float64 `json:"IR"`
}

// FactorList is the paginated list response.
type FactorList struct {
	Data       []ListItem `json:"data"`
	Total      int        `json:"total"`
	Page       int        `json:"page"`
	PageSize   int        `json:"page_size"`
	TotalPages int        `json:"total_pages"`
}

var listSortFields = map[string]bool{
	"created_at":       true,
	"updated_at":       true,
	"return_ratio":     true,
	"sharpe_ratio":     true,
	"maximum_drawdown": true,
	"IC":               true,
	"IR":               true,
}

// ListFactors pages through a user's factors, sorted server-side. Metrics
// for factors without a result bundle default to zero so every sort field
// yields a total order; the sort is stable within equal keys.
func (s *Service) ListFactors(ctx context.Context, q ListQuery) (*FactorList, error) {
	if q.SortField == "" {
		q.SortField = "created_at"
	}
	if q.SortOrder == "" {
		q.SortOrder = "desc"
	}
	switch {
	case q.UserID == "":
		return nil, errs.Validationf("user_id is required")
	case q.Page < 1:
		return nil, errs.Validationf("page must be at least 1, got %d", q.Page)
	case q.PageSize < 1 || q.PageSize > 100:
		return nil, errs.Validationf("page_size must be between 1 and 100, got %d", q.PageSize)
	case !listSortFields[q.SortField]:
		return nil, errs.Validationf("unsupported sort_field %q", q.SortField)
	case q.SortOrder != "asc" && q.SortOrder != "desc":
		return nil, errs.Validationf("sort_order must be asc or desc, got %q", q.SortOrder)
	}

	factors, err := s.repo.Factors.ListByUser(ctx, q.UserID)
	if err != nil {
		return nil, err
	}

	items := make([]ListItem, 0, len(factors))
	for i := range factors {
		items = append(items, s.listItem(ctx, &factors[i]))
	}
	sortItems(items, q.SortField, q.SortOrder == "desc")

	total := len(items)
	totalPages := (total + q.PageSize - 1) / q.PageSize
	start := (q.Page - 1) * q.PageSize
	end := start + q.PageSize
	switch {
	case start >= total:
		items = []ListItem{}
	case end > total:
		items = items[start:total]
	default:
		items = items[start:end]
	}
	return &FactorList{
		Data:       items,
		Total:      total,
		Page:       q.Page,
		PageSize:   q.PageSize,
		TotalPages: totalPages,
	}, nil
}

// listItem builds one row. A missing or unreadable bundle leaves the
// metrics at zero: the list must render even when results lag behind.
func (s *Service) listItem(ctx context.Context, f *persistence.Factor) ListItem {
	item := ListItem{
		FactorID:   f.FactorID,
		FactorName: f.FactorName,
		Name:       f.Name,
		Status:     f.Status,
		CreatedAt:  f.CreatedAt,
		UpdatedAt:  f.UpdatedAt,
	}
	if f.CurrentTaskID == "" {
		return item
	}
	b, err := s.repo.Results.Get(ctx, f.CurrentTaskID)
	if err != nil {
		if !errs.IsKind(err, errs.KindDataAvailability) {
			s.log.Warn().Err(err).Str("factor_id", f.FactorID).Str("task_id", f.CurrentTaskID).Msg("could not load result bundle for listing")
		}
		return item
	}
	if row := analysis.BestRow(b.OneGroupData); row != nil {
		item.ReturnRatio = row.CumulativeReturn
		item.AnnualReturn = row.AnnualReturn
		item.Sharpe = row.Sharpe
		item.MaxDrawdown = row.MaxDrawdown
	}
	item.IC = indicatorValue(b.FactorDataAnalysis, "IC_mean")
	item.IR = indicatorValue(b.FactorDataAnalysis, "IC_IR")
	return item
}

func indicatorValue(rows []analysis.IndicatorRow, name string) float64 {
	for _, r := range rows {
		if r.Indicator == name {
			return r.IC
		}
	}
	return 0
}

func sortItems(items []ListItem, field string, desc bool) {
	less := func(a, b *ListItem) bool {
		switch field {
		case "created_at":
			return a.CreatedAt < b.CreatedAt
		case "updated_at":
			return a.UpdatedAt < b.UpdatedAt
		case "return_ratio":
			return a.ReturnRatio < b.ReturnRatio
		case "sharpe_ratio":
			return a.Sharpe < b.Sharpe
		case "maximum_drawdown":
			return a.MaxDrawdown < b.MaxDrawdown
		case "IC":
			return a.IC < b.IC
		default:
			return a.IR < b.IR
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if desc {
			return less(&items[j], &items[i])
		}
		return less(&items[i], &items[j])
	})
}
