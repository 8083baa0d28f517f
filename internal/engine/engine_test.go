package engine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorlab/factorlab/internal/errs"
	"github.com/factorlab/factorlab/internal/series"
)

// twoSymbolFrame builds four days of two symbols with deterministic prices:
// A rises 10,11,12,13; B falls 20,19,18,17. Opens sit one below closes.
func twoSymbolFrame(t *testing.T) *series.Frame {
	t.Helper()
	f := series.New()
	dates := []string{"20240102", "20240103", "20240104", "20240105"}
	closeA := []float64{10, 11, 12, 13}
	closeB := []float64{20, 19, 18, 17}
	for i, d := range dates {
		f.AppendRow(d, "A", map[string]float64{"close": closeA[i], "open": closeA[i] - 1}, nil)
		f.AppendRow(d, "B", map[string]float64{"close": closeB[i], "open": closeB[i] - 1}, nil)
	}
	return f
}

func TestValidateRejectsBadCode(t *testing.T) {
	cases := []struct {
		name    string
		code    string
		dialect Dialect
	}{
		{"syntax error", "CLOSE +", DialectFormula},
		{"unknown column", "NOT_A_COLUMN", DialectFormula},
		{"unknown operator", "NOSUCH(CLOSE)", DialectFormula},
		{"bad arity", "DELAY(CLOSE)", DialectFormula},
		{"operator without call", "RANK + 1", DialectFormula},
		{"assign to column", "CLOSE = 1\nreturn CLOSE", DialectProgram},
		{"assign to operator", "RANK = 1\nreturn RANK", DialectProgram},
		{"statement after return", "return CLOSE\nx = 1", DialectProgram},
		{"empty program", "   \n", DialectProgram},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.code, tc.dialect)
			require.Error(t, err)
			assert.Equal(t, errs.KindValidation, errs.KindOf(err))
		})
	}
}

func TestValidateAcceptsVocabulary(t *testing.T) {
	require.NoError(t, Validate("RANK(CLOSE/OPEN - 1)", DialectFormula))
	require.NoError(t, Validate("STDDEV(RETURNS(CLOSE), 20) * -1", DialectFormula))
	require.NoError(t, Validate("x = RETURNS(CLOSE)\ny = RANK(x)\nreturn y - TS_MEAN(y, 5)", DialectProgram))
	require.NoError(t, Validate("MACD(CLOSE)", DialectFormula))
}

func TestSyntaxErrorsCarryPosition(t *testing.T) {
	err := Validate("CLOSE +\n* OPEN", DialectFormula)
	require.Error(t, err)
	pos, ok := errs.PositionOf(err)
	require.True(t, ok)
	assert.Equal(t, 2, pos.Line)
	assert.Equal(t, 1, pos.Column)
}

func TestFormulaCloseOverOpen(t *testing.T) {
	f := twoSymbolFrame(t)
	out, err := Evaluate(f, "CLOSE/OPEN - 1", DialectFormula)
	require.NoError(t, err)
	require.Len(t, out, f.Len())
	for i := 0; i < f.Len(); i++ {
		c := f.Float("close")[i]
		assert.InDelta(t, c/(c-1)-1, out[i], 1e-12)
	}
}

func TestProgramAssignmentsAndReturn(t *testing.T) {
	f := twoSymbolFrame(t)
	code := "spread = CLOSE - OPEN\ndoubled = spread * 2\nreturn doubled / 2"
	out, err := Evaluate(f, code, DialectProgram)
	require.NoError(t, err)
	for i := range out {
		assert.InDelta(t, 1, out[i], 1e-12) // close - open == 1 everywhere
	}
}

func TestRankNormalization(t *testing.T) {
	f := series.New()
	f.AppendRow("20240102", "A", map[string]float64{"close": 3}, nil)
	f.AppendRow("20240102", "B", map[string]float64{"close": 1}, nil)
	f.AppendRow("20240102", "C", map[string]float64{"close": 2}, nil)
	f.AppendRow("20240102", "D", map[string]float64{"close": math.NaN()}, nil)

	out, err := Evaluate(f, "RANK(CLOSE)", DialectFormula)
	require.NoError(t, err)
	// A is highest -> +0.5, B lowest -> -0.5, C middle -> 0, NaN -> 0.
	assert.InDelta(t, 0.5, out[0], 1e-12)
	assert.InDelta(t, -0.5, out[1], 1e-12)
	assert.InDelta(t, 0, out[2], 1e-12)
	assert.Equal(t, 0.0, out[3])
}

func TestReturnsAndDelayPerSymbol(t *testing.T) {
	f := twoSymbolFrame(t)
	ret, err := Evaluate(f, "RETURNS(CLOSE)", DialectFormula)
	require.NoError(t, err)
	del, err := Evaluate(f, "DELAY(CLOSE, 1)", DialectFormula)
	require.NoError(t, err)

	for i := 0; i < f.Len(); i++ {
		if f.Date(i) == "20240102" {
			assert.Equal(t, 0.0, ret[i], "day zero return is pinned to 0")
			assert.True(t, math.IsNaN(del[i]), "nothing to delay on day zero")
			continue
		}
		if f.Symbol(i) == "A" {
			assert.Greater(t, ret[i], 0.0, "A rises")
		} else {
			assert.Less(t, ret[i], 0.0, "B falls")
		}
	}
	// DELAY must not leak across symbols: row for B on 20240103 sees B's
	// close, not A's.
	for i := 0; i < f.Len(); i++ {
		if f.Date(i) == "20240103" && f.Symbol(i) == "B" {
			assert.InDelta(t, 20, del[i], 1e-12)
		}
	}
}

func TestStddevMinPeriods(t *testing.T) {
	f := series.New()
	for i, d := range []string{"20240102", "20240103", "20240104", "20240105", "20240108", "20240109", "20240110", "20240111"} {
		f.AppendRow(d, "A", map[string]float64{"close": float64(i + 1)}, nil)
	}
	out, err := Evaluate(f, "STDDEV(CLOSE, 8)", DialectFormula)
	require.NoError(t, err)
	// min_periods = max(2, 8/4) = 2: NaN on the first row only.
	assert.True(t, math.IsNaN(out[0]))
	assert.False(t, math.IsNaN(out[1]))
}

func TestIfAndComparisons(t *testing.T) {
	f := twoSymbolFrame(t)
	out, err := Evaluate(f, "IF(CLOSE > 15, 1, -1)", DialectFormula)
	require.NoError(t, err)
	for i := 0; i < f.Len(); i++ {
		if f.Symbol(i) == "B" {
			assert.Equal(t, 1.0, out[i])
		} else {
			assert.Equal(t, -1.0, out[i])
		}
	}
}

func TestSumWindowToleratesPartial(t *testing.T) {
	f := twoSymbolFrame(t)
	out, err := Evaluate(f, "SUM(CLOSE, 3)", DialectFormula)
	require.NoError(t, err)
	// First row of A: partial window -> just close itself.
	assert.InDelta(t, 10, out[0], 1e-12)
	// Last row of A: 11+12+13.
	for i := 0; i < f.Len(); i++ {
		if f.Symbol(i) == "A" && f.Date(i) == "20240105" {
			assert.InDelta(t, 36, out[i], 1e-12)
		}
	}
}

func TestWindowArgumentMustBeConstant(t *testing.T) {
	f := twoSymbolFrame(t)
	_, err := Evaluate(f, "DELAY(CLOSE, OPEN)", DialectFormula)
	require.Error(t, err)
	assert.Equal(t, errs.KindComputation, errs.KindOf(err))

	_, err = Evaluate(f, "DELAY(CLOSE, 1.5)", DialectFormula)
	require.Error(t, err)
}

func TestMissingColumnIsComputationError(t *testing.T) {
	f := twoSymbolFrame(t) // no volume column loaded
	_, err := Evaluate(f, "VOLUME * 2", DialectFormula)
	require.Error(t, err)
	assert.Equal(t, errs.KindComputation, errs.KindOf(err))
	_, ok := errs.PositionOf(err)
	assert.True(t, ok)
}

func TestTechnicalBundlesProduceValues(t *testing.T) {
	f := series.New()
	// 40 trading days of one symbol trending upward with wiggle.
	price := 100.0
	for i := 0; i < 40; i++ {
		price *= 1 + 0.01*math.Sin(float64(i))+ 0.002
		day := 20240101 + i // fine for ordering purposes
		f.AppendRow(itoaDate(day), "A", map[string]float64{
			"close": price, "open": price * 0.99, "high": price * 1.01, "low": price * 0.985,
		}, nil)
	}
	for _, code := range []string{
		"MACD(CLOSE)",
		"RSI(CLOSE, 14)",
		"BOLL(CLOSE, 20, 2)",
		"KDJ(HIGH, LOW, CLOSE)",
		"CCI(HIGH, LOW, CLOSE, 14)",
		"ATR(HIGH, LOW, CLOSE, 14)",
	} {
		out, err := Evaluate(f, code, DialectFormula)
		require.NoError(t, err, code)
		assert.False(t, math.IsNaN(out[len(out)-1]), "%s should settle to a value", code)
	}
}

func TestReferencedColumns(t *testing.T) {
	prog, err := Compile("x = CLOSE/OPEN\nreturn RANK(x) + TURNOVER", DialectProgram)
	require.NoError(t, err)
	assert.Equal(t, []string{"close", "open", "turnover"}, ReferencedColumns(prog))
}

func itoaDate(yyyymmdd int) string {
	digits := "0123456789"
	out := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		out[i] = digits[yyyymmdd%10]
		yyyymmdd /= 10
	}
	return string(out)
}
