package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_EmptyInput(t *testing.T) {
	assert.Empty(t, Parse(""))
	assert.Empty(t, Parse("   \t\n"))
	assert.NotNil(t, Parse(""))
}

func TestParse_Operators(t *testing.T) {
	cases := []struct {
		in   string
		want Condition
	}{
		{"Status = 'Open'", Condition{Field: "Status", Operator: OpEq, Value: "Open"}},
		{"Qty>=5", Condition{Field: "Qty", Operator: OpGe, Value: int64(5)}},
		{"Qty <= 5.5", Condition{Field: "Qty", Operator: OpLe, Value: 5.5}},
		{"Qty <> 3", Condition{Field: "Qty", Operator: OpNe, Value: int64(3)}},
		{"Qty != 3", Condition{Field: "Qty", Operator: OpNe, Value: int64(3)}},
		{"Qty > 1", Condition{Field: "Qty", Operator: OpGt, Value: int64(1)}},
		{"Qty < -1", Condition{Field: "Qty", Operator: OpLt, Value: int64(-1)}},
		{"Name LIKE 'Ac%'", Condition{Field: "Name", Operator: OpLike, Value: "Ac%"}},
		{"Code IN ('A', 'B','C')", Condition{Field: "Code", Operator: OpIn, Value: []string{"A", "B", "C"}}},
		{"Closed IS NULL", Condition{Field: "Closed", Operator: OpIsNull}},
		{"Closed is not null", Condition{Field: "Closed", Operator: OpIsNotNull}},
		{"Closed = NULL", Condition{Field: "Closed", Operator: OpIsNull}},
		{"Price BETWEEN 100 AND 500", Condition{Field: "Price", Operator: OpBetween, Value: int64(100), Value2: int64(500)}},
		{"`Order` = 'A-1'", Condition{Field: "Order", Operator: OpEq, Value: "A-1"}},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got := Parse(tc.in)
			require.Len(t, got, 1)
			assert.Equal(t, tc.want, got[0])
		})
	}
}

func TestParse_BetweenScenario(t *testing.T) {
	got := Parse("Price BETWEEN 100 AND 500")
	require.Len(t, got, 1)
	c := got[0]
	assert.Equal(t, "Price", c.Field)
	assert.Equal(t, OpBetween, c.Operator)
	assert.Equal(t, int64(100), c.Value)
	assert.Equal(t, int64(500), c.Value2)
	assert.Equal(t, "between", c.IONOperator())
}

func TestParse_SplitsOnTopLevelKeywordsOnly(t *testing.T) {
	got := Parse("Name = 'Salt AND Pepper' AND Price BETWEEN 1 AND 2 or Code IN ('X','Y') AND Qty > 0")
	require.Len(t, got, 4)
	assert.Equal(t, "Salt AND Pepper", got[0].Value)
	assert.Equal(t, OpBetween, got[1].Operator)
	assert.Equal(t, []string{"X", "Y"}, got[2].Value)
	assert.Equal(t, "Qty", got[3].Field)
}

func TestParse_KeepsKeywordLikeFieldNames(t *testing.T) {
	got := Parse("Orders > 2 AND Android = 'yes'")
	require.Len(t, got, 2)
	assert.Equal(t, "Orders", got[0].Field)
	assert.Equal(t, "Android", got[1].Field)
}

func TestParse_KeywordsInsideLiteralsAreValues(t *testing.T) {
	tests := []struct {
		in   string
		want Condition
	}{
		{"Title='Red LIKE Blue'", Condition{Field: "Title", Operator: OpEq, Value: "Red LIKE Blue"}},
		{"Note='a BETWEEN b AND c'", Condition{Field: "Note", Operator: OpEq, Value: "a BETWEEN b AND c"}},
		{"Memo<>'x IS NULL'", Condition{Field: "Memo", Operator: OpNe, Value: "x IS NULL"}},
		{"Tag='IN (1,2)'", Condition{Field: "Tag", Operator: OpEq, Value: "IN (1,2)"}},
		{`"Status" IS NULL`, Condition{Field: "Status", Operator: OpIsNull}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := Parse(tt.in)
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0])
		})
	}
}

func TestParse_UnquotesAndCoerces(t *testing.T) {
	got := Parse(`Name = 'O''Brien' AND Zip = '01234' AND Ref = "A""B" AND Code = 12ab`)
	require.Len(t, got, 4)
	assert.Equal(t, "O'Brien", got[0].Value)
	assert.Equal(t, int64(1234), got[1].Value)
	assert.Equal(t, `A"B`, got[2].Value)
	assert.Equal(t, "12ab", got[3].Value)
}

func TestParseWithWarnings_DropsUnparseableFragments(t *testing.T) {
	conds, warns := ParseWithWarnings("Status = 'Open' AND garbage AND Qty = AND Price BETWEEN 1 AND 'x'")
	require.Len(t, conds, 1)
	assert.Equal(t, "Status", conds[0].Field)
	require.Len(t, warns, 3)
	assert.Equal(t, "garbage", warns[0].Fragment)
	assert.Equal(t, "no operator matched", warns[0].Reason)
	assert.Equal(t, "missing value", warns[1].Reason)
	assert.Equal(t, "BETWEEN bounds are not comparable", warns[2].Reason)
}

func TestParseWithWarnings_ReservedDirectivesAreSilent(t *testing.T) {
	conds, warns := ParseWithWarnings("Status = 'Open' AND $expand=Lines AND expand Header AND $top=5 AND expand_date = 3")
	assert.Empty(t, warns)
	require.Len(t, conds, 2)
	assert.Equal(t, "Status", conds[0].Field)
	assert.Equal(t, "expand_date", conds[1].Field)
}

func TestRoundTripThroughIONFilters(t *testing.T) {
	where := "A = 'x' AND B <> 2 AND C > 1.5 AND D < 4 AND E >= 5 AND F <= 6 AND G LIKE '%z' AND H IN ('1','2') AND I BETWEEN 3 AND 9 AND J IS NULL AND K IS NOT NULL"
	conds := Parse(where)
	require.Len(t, conds, 11)

	ion := GenerateIONFilters(conds)
	require.Len(t, ion, len(conds))
	wantOps := []string{"eq", "ne", "gt", "lt", "ge", "le", "like", "in", "between", "isnull", "isnotnull"}
	for i, f := range ion {
		assert.Equal(t, wantOps[i], f.IONOperator)
		back, ok := f.Condition()
		require.True(t, ok)
		assert.Equal(t, conds[i], back)
	}
}

func TestIONFilter_UnknownOperator(t *testing.T) {
	_, ok := IONFilter{Field: "x", IONOperator: "regex"}.Condition()
	assert.False(t, ok)
}
