package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorlab/factorlab/internal/analysis"
	"github.com/factorlab/factorlab/internal/errs"
)

func seedChartBundle(e *svcEnv, taskID string) {
	b := seedBundle(analysis.GroupRow{Group: "group_5", CumulativeReturn: 0.2, Sharpe: 1.5}, 0.04, 0.7)
	b.ReturnChart = analysis.Chart{
		Title: "cumulative return",
		X:     []analysis.Axis{{Name: "date", Data: []interface{}{"20240102", "20240103"}}},
		Y:     []analysis.Axis{{Name: "group_5", Data: []interface{}{0.01, 0.02}}},
	}
	e.results.put(taskID, b)
}

func TestGetBundleFieldReadsThroughCache(t *testing.T) {
	e := newSvcEnv(t)
	seedChartBundle(e, "t1")
	ctx := context.Background()

	raw, err := e.svc.GetBundleField(ctx, "t1", "return_chart")
	require.NoError(t, err)

	var chart struct {
		Title string `json:"title"`
		Y     []struct {
			Name string        `json:"name"`
			Data []interface{} `json:"data"`
		} `json:"y"`
	}
	require.NoError(t, json.Unmarshal(raw, &chart))
	assert.Equal(t, "cumulative return", chart.Title)
	require.Len(t, chart.Y, 1)
	assert.Equal(t, "group_5", chart.Y[0].Name)

	assert.Equal(t, 1, e.results.reads())
	assert.Equal(t, 1, e.metrics.misses["memory"])

	// Second read is served from the cache.
	again, err := e.svc.GetBundleField(ctx, "t1", "return_chart")
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(again))
	assert.Equal(t, 1, e.results.reads(), "the store is read once")
	assert.Equal(t, 1, e.metrics.hits["memory"])
}

func TestGetBundleFieldServesTables(t *testing.T) {
	e := newSvcEnv(t)
	seedChartBundle(e, "t1")

	raw, err := e.svc.GetBundleField(context.Background(), "t1", FieldGroups)
	require.NoError(t, err)

	var rows []map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &rows))
	require.Len(t, rows, 3)
	assert.Equal(t, "group_5", rows[1]["group"])

	raw, err = e.svc.GetBundleField(context.Background(), "t1", FieldAnalysis)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &rows))
	assert.Equal(t, "IC_mean", rows[0]["indicator"])
}

func TestGetBundleFieldUnknownChart(t *testing.T) {
	e := newSvcEnv(t)
	seedChartBundle(e, "t1")

	_, err := e.svc.GetBundleField(context.Background(), "t1", "pie_chart")
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	assert.Equal(t, 0, e.results.reads(), "unknown fields never reach the store")
}

func TestGetBundleFieldMissingBundle(t *testing.T) {
	e := newSvcEnv(t)

	_, err := e.svc.GetBundleField(context.Background(), "ghost", "return_chart")
	require.Error(t, err)
	assert.Equal(t, errs.KindDataAvailability, errs.KindOf(err))
	assert.Equal(t, 1, e.metrics.misses["memory"])
}

func TestGetBundleFieldCacheKeyedPerTask(t *testing.T) {
	e := newSvcEnv(t)
	seedChartBundle(e, "t1")
	e.results.put("t2", seedBundle(analysis.GroupRow{Group: "group_5", Sharpe: 9.9}, 0.01, 0.1))
	ctx := context.Background()

	_, err := e.svc.GetBundleField(ctx, "t1", FieldGroups)
	require.NoError(t, err)
	raw2, err := e.svc.GetBundleField(ctx, "t2", FieldGroups)
	require.NoError(t, err)

	var rows []map[string]interface{}
	require.NoError(t, json.Unmarshal(raw2, &rows))
	assert.Equal(t, 9.9, rows[1]["sharpe_ratio"], "each task caches its own projection")
	assert.Equal(t, 2, e.results.reads())
}
