package tabular

import (
	"context"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/calldataai/calldata/internal/dataset"
	"github.com/calldataai/calldata/internal/result"
)

func runOn(t *testing.T, table dataset.Table, text string) result.Value {
	t.Helper()
	program, err := Parse(context.Background(), text)
	if err != nil {
		t.Fatalf("Parse(%q) error = %v", text, err)
	}
	frame, err := newFrame(table)
	if err != nil {
		t.Fatalf("newFrame() error = %v", err)
	}
	value, err := Run(context.Background(), program, map[string]any{DefaultHandle: frame})
	if err != nil {
		t.Fatalf("Run(%q) error = %v", text, err)
	}
	out, err := toResult(value)
	if err != nil {
		t.Fatalf("toResult() error = %v", err)
	}
	return out
}

func sparseTable() dataset.Table {
	return dataset.Table{
		Columns: []string{"id", "score", "tag"},
		Rows: [][]any{
			{int64(1), 3.5, "b"},
			{int64(2), nil, "a"},
			{int64(3), 1.0, nil},
			{int64(4), math.NaN(), "a"},
		},
	}
}

func TestRunMissingValuesCompareFalse(t *testing.T) {
	got := runOn(t, sparseTable(), "df[df['score'] > 0]['ID'].tolist()")
	if diff := cmp.Diff(result.Scalar{Value: []any{int64(1), int64(3)}}, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
	got = runOn(t, sparseTable(), "len(df[df['TAG'] != 'a'])")
	if diff := cmp.Diff(result.Scalar{Value: int64(2)}, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestRunSortPlacesMissingLast(t *testing.T) {
	for _, text := range []string{
		"df.sort_values('SCORE')['ID'].tolist()",
		"df.sort_values(by=['SCORE'], ascending=False)['ID'].tolist()",
	} {
		got, ok := runOn(t, sparseTable(), text).(result.Scalar)
		if !ok {
			t.Fatalf("%s: expected scalar", text)
		}
		ids := got.Value.([]any)
		if ids[2] != int64(2) || ids[3] != int64(4) {
			t.Fatalf("%s = %v, want missing scores last", text, ids)
		}
	}
}

func TestRunAggregatesSkipMissing(t *testing.T) {
	tests := []struct {
		text string
		want any
	}{
		{text: "df['SCORE'].count()", want: int64(2)},
		{text: "df['SCORE'].sum()", want: 4.5},
		{text: "df['SCORE'].median()", want: 2.25},
		{text: "df['TAG'].unique()", want: []any{"b", "a", nil}},
		{text: "df['TAG'].fillna('none').value_counts()['none']", want: int64(1)},
		{text: "df['SCORE'].size", want: int64(4)},
	}
	for _, tc := range tests {
		got := runOn(t, sparseTable(), tc.text)
		if diff := cmp.Diff(result.Scalar{Value: tc.want}, got); diff != "" {
			t.Fatalf("%s mismatch (-want +got):\n%s", tc.text, diff)
		}
	}
}

func TestRunValueCountsNormalizeAndDropNA(t *testing.T) {
	got := runOn(t, sparseTable(), "df['TAG'].value_counts(dropna=False)")
	want := result.Column{
		Name:   "count",
		Labels: []any{"a", "b", nil},
		Values: []any{int64(2), int64(1), int64(1)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}

	got = runOn(t, sparseTable(), "df['TAG'].value_counts(normalize=True)")
	want = result.Column{
		Name:   "proportion",
		Labels: []any{"a", "b"},
		Values: []any{2.0 / 3.0, 1.0 / 3.0},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestRunFrameAggregateAndHeadTail(t *testing.T) {
	got := runOn(t, sparseTable(), "df[['ID', 'SCORE']].max()")
	want := result.Column{Labels: []any{"ID", "SCORE"}, Values: []any{int64(4), 3.5}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}

	got = runOn(t, sparseTable(), "df['ID'].head(-1).tail(2).tolist()")
	if diff := cmp.Diff(result.Scalar{Value: []any{int64(2), int64(3)}}, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestRunColumnArithmeticDividesByZeroPerCell(t *testing.T) {
	got := runOn(t, sparseTable(), "(df['ID'] / (df['ID'] - 2)).tolist()")
	want := result.Scalar{Value: []any{-1.0, math.Inf(1), 3.0, 2.0}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestRunScalarDivisionByZeroMatchesColumns(t *testing.T) {
	cases := []struct {
		text string
		want any
	}{
		{text: "df['ID'].sum() / 0", want: math.Inf(1)},
		{text: "df['ID'].sum() / 0.0", want: math.Inf(1)},
		{text: "-df['ID'].sum() / 0", want: math.Inf(-1)},
		{text: "df['ID'].sum() // 0", want: math.Inf(1)},
		{text: "df['ID'].sum() % 0", want: nil},
		{text: "(df['ID'] - df['ID']).sum() / 0", want: nil},
	}
	for _, tc := range cases {
		got := runOn(t, sparseTable(), tc.text)
		if diff := cmp.Diff(result.Scalar{Value: tc.want}, got); diff != "" {
			t.Fatalf("%s mismatch (-want +got):\n%s", tc.text, diff)
		}
	}
}

func TestRunIntegerOverflowPromotesToFloat(t *testing.T) {
	cases := []struct {
		text string
		want any
	}{
		{text: "df['ID'].sum() * 9223372036854775807", want: 10 * float64(1<<63)},
		{text: "9223372036854775807 + df['ID'].max()", want: float64(1 << 63)},
		{text: "-9223372036854775808", want: int64(math.MinInt64)},
		{text: "-9223372036854775808 - 1", want: -float64(1 << 63)},
		{text: "-(-9223372036854775808)", want: float64(1 << 63)},
		{text: "9223372036854775808", want: float64(1 << 63)},
		{text: "-7 // 2", want: int64(-4)},
		{text: "-7 % 3", want: int64(2)},
	}
	for _, tc := range cases {
		got := runOn(t, sparseTable(), tc.text)
		if diff := cmp.Diff(result.Scalar{Value: tc.want}, got); diff != "" {
			t.Fatalf("%s mismatch (-want +got):\n%s", tc.text, diff)
		}
	}
}
