package domain

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestToHumanAndToRaw(t *testing.T) {
	raw, _ := new(big.Int).SetString("1500000000000000000", 10)

	human := ToHuman(raw, 18)
	assert.True(t, human.Equal(decimal.RequireFromString("1.5")))

	back := ToRaw(human, 18)
	assert.Equal(t, 0, back.Cmp(raw))

	// Sub-unit precision is truncated.
	assert.Equal(t, int64(1), ToRaw(decimal.RequireFromString("1.9"), 0).Int64())
	assert.True(t, ToHuman(nil, 6).IsZero())
}

func TestPosition_AverageCostAndClone(t *testing.T) {
	p := NewPosition("0xwallet", "0xtoken", 0)
	p.Remaining.SetInt64(200)
	p.CostBasisUSD = decimal.NewFromInt(50)
	p.Lots = []*Lot{{LegID: "a", Original: big.NewInt(200), Remaining: big.NewInt(200), UnitCost: decimal.RequireFromString("0.25")}}

	assert.True(t, p.AverageCost().Equal(decimal.RequireFromString("0.25")))
	assert.True(t, p.IsOpen())

	c := p.Clone()
	c.Lots[0].Remaining.SetInt64(0)
	c.Remaining.SetInt64(0)

	assert.Equal(t, int64(200), p.Lots[0].Remaining.Int64(), "clone must not share lot state")
	assert.Equal(t, int64(200), p.LotSum().Int64())
	assert.False(t, c.IsOpen())
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "0xabcdef", NormalizeAddress("  0xAbCdEf "))
}
