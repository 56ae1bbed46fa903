package normalizer

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"bondwatch/models"
)

// normalizeMoex decodes one bondization.json coupon row. MOEX reports the
// payout as a plain decimal in the "value" column; a null value makes the
// row an invalid candidate.
func normalizeMoex(fields map[string]interface{}) (models.CouponEvent, error) {
	dateStr, _ := fields["coupondate"].(string)
	if dateStr == "" {
		return models.CouponEvent{}, fmt.Errorf("moex row missing coupondate")
	}
	date, err := models.ParseDate(dateStr)
	if err != nil {
		return models.CouponEvent{}, fmt.Errorf("moex row: %w", err)
	}

	num, ok := fields["value"].(json.Number)
	if !ok {
		return models.CouponEvent{}, fmt.Errorf("moex row missing value")
	}
	amount, err := decimal.NewFromString(num.String())
	if err != nil {
		return models.CouponEvent{}, fmt.Errorf("moex row value %q: %w", num.String(), err)
	}
	if amount.IsNegative() {
		return models.CouponEvent{}, fmt.Errorf("moex row has negative value %s", amount)
	}

	return models.CouponEvent{Date: date, Amount: amount, Source: models.SourceMoex}, nil
}
