package cost_test

import (
	"testing"

	"github.com/craftplan/craftplan/internal/domain/cost"
)

func TestEstimateReferenceExample(t *testing.T) {
	usages := []cost.TokenUsage{
		{InputTokens: 100, OutputTokens: 40},
		{InputTokens: 80, OutputTokens: 30},
		{InputTokens: 70, OutputTokens: 30},
		{InputTokens: 50, OutputTokens: 30},
	}
	sum := cost.Estimate(usages, cost.DefaultRates())

	if sum.TokensIn != 300 || sum.TokensOut != 130 {
		t.Fatalf("expected 300/130, got %d/%d", sum.TokensIn, sum.TokensOut)
	}
	if sum.TotalTokens != 430 {
		t.Fatalf("expected 430 total, got %d", sum.TotalTokens)
	}
	// 300*0.000003 + 130*0.000015 = 0.00285, displayed at four decimals.
	if sum.EstimatedUSD != 0.0029 {
		t.Fatalf("expected 0.0029, got %v", sum.EstimatedUSD)
	}
	if sum.BillableUSD != 0.00 {
		t.Fatalf("expected 0.00 billable, got %v", sum.BillableUSD)
	}
}

func TestEstimateIsOrderIndependent(t *testing.T) {
	a := []cost.TokenUsage{{InputTokens: 11, OutputTokens: 7}, {InputTokens: 3, OutputTokens: 19}, {InputTokens: 500, OutputTokens: 1}}
	b := []cost.TokenUsage{a[2], a[0], a[1]}

	if cost.Estimate(a, cost.DefaultRates()) != cost.Estimate(b, cost.DefaultRates()) {
		t.Fatal("estimate must not depend on usage order")
	}
}

func TestEstimateEmpty(t *testing.T) {
	sum := cost.Estimate(nil, cost.DefaultRates())
	if sum.TotalTokens != 0 || sum.EstimatedUSD != 0 || sum.BillableUSD != 0 {
		t.Fatalf("expected zero summary, got %+v", sum)
	}
}

func TestBillableRoundsHalfAwayFromZero(t *testing.T) {
	// 1_500_000 input tokens at the default rate is exactly 4.50 USD;
	// adding one output token pushes past it.
	sum := cost.Estimate([]cost.TokenUsage{{InputTokens: 1_500_000, OutputTokens: 1}}, cost.DefaultRates())
	if sum.BillableUSD != 4.50 {
		t.Fatalf("expected 4.50, got %v", sum.BillableUSD)
	}

	// 0.005 at two decimals rounds up, not to even.
	sum = cost.Estimate([]cost.TokenUsage{{InputTokens: 0, OutputTokens: 0}}, cost.Rates{InputPerToken: 0, OutputPerToken: 0.005})
	if sum.BillableUSD != 0 {
		t.Fatalf("expected 0, got %v", sum.BillableUSD)
	}
	sum = cost.Estimate([]cost.TokenUsage{{OutputTokens: 1}}, cost.Rates{OutputPerToken: 0.005})
	if sum.BillableUSD != 0.01 {
		t.Fatalf("expected 0.01, got %v", sum.BillableUSD)
	}
}

func TestTokenUsageAdd(t *testing.T) {
	a := cost.TokenUsage{InputTokens: 5, OutputTokens: 2}
	b := cost.TokenUsage{InputTokens: 7, OutputTokens: 11}
	got := a.Add(b)
	if got.InputTokens != 12 || got.OutputTokens != 13 {
		t.Fatalf("unexpected sum %+v", got)
	}
	if !(cost.TokenUsage{}).IsZero() {
		t.Fatal("zero value must report IsZero")
	}
	if a.IsZero() {
		t.Fatal("non-zero usage must not report IsZero")
	}
}
