package fmath

import (
	"math"

	"github.com/shopspring/decimal"
)

// 浮点阈值比较统一走 decimal，避免 0.70 这类边界因二进制表示误判。

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(val)
}

func Compare(a, b float64) int {
	return decFromFloat(a).Cmp(decFromFloat(b))
}

func GTE(a, b float64) bool { return Compare(a, b) >= 0 }
func LTE(a, b float64) bool { return Compare(a, b) <= 0 }
func LT(a, b float64) bool  { return Compare(a, b) < 0 }
func GT(a, b float64) bool  { return Compare(a, b) > 0 }
