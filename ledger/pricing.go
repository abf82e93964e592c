package ledger

import "github.com/shopspring/decimal"

// Flat rates. Cost is an estimate proportional to units, not a bill.
var (
	chatCostPerUnit  = decimal.RequireFromString("0.000002")
	imageCostPerItem = decimal.RequireFromString("0.02")
)

// ImageUnitsPerItem is the fixed usage charge for one generated image.
const ImageUnitsPerItem = 1000

// ChatCharge prices a chat completion from the upstream-reported total
// token count.
func ChatCharge(totalTokens int64) (units int64, cost decimal.Decimal) {
	if totalTokens < 0 {
		totalTokens = 0
	}
	return totalTokens, chatCostPerUnit.Mul(decimal.NewFromInt(totalTokens))
}

// ImageCharge prices an image generation call for count requested images.
func ImageCharge(count int64) (units int64, cost decimal.Decimal) {
	if count < 0 {
		count = 0
	}
	return count * ImageUnitsPerItem, imageCostPerItem.Mul(decimal.NewFromInt(count))
}
