package normalizer

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"bondwatch/models"
)

// normalizeTinkoff decodes a GetBondCoupons event. The payout comes as a
// MoneyValue split into integer units and nano sub-units; both parts are
// summed through decimal arithmetic so sub-cent amounts survive for large
// principal values.
func normalizeTinkoff(fields map[string]interface{}) (models.CouponEvent, error) {
	dateStr, _ := fields["couponDate"].(string)
	if dateStr == "" {
		return models.CouponEvent{}, fmt.Errorf("tinkoff event missing couponDate")
	}
	date, err := models.ParseDate(dateStr)
	if err != nil {
		return models.CouponEvent{}, fmt.Errorf("tinkoff event: %w", err)
	}

	pay, ok := fields["payOneBond"].(map[string]interface{})
	if !ok {
		return models.CouponEvent{}, fmt.Errorf("tinkoff event missing payOneBond")
	}

	units, err := moneyPart(pay["units"])
	if err != nil {
		return models.CouponEvent{}, fmt.Errorf("tinkoff event units: %w", err)
	}
	nano, err := moneyPart(pay["nano"])
	if err != nil {
		return models.CouponEvent{}, fmt.Errorf("tinkoff event nano: %w", err)
	}

	amount := decimal.New(units, 0).Add(decimal.New(nano, -9))
	if amount.IsNegative() {
		return models.CouponEvent{}, fmt.Errorf("tinkoff event has negative amount %s", amount)
	}

	return models.CouponEvent{Date: date, Amount: amount, Source: models.SourceTinkoff}, nil
}

// moneyPart extracts one MoneyValue component. The API serializes units as a
// decimal string and nano as a number; both shapes are accepted.
func moneyPart(v interface{}) (int64, error) {
	switch t := v.(type) {
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("unparsable value %q: %w", t, err)
		}
		return n, nil
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, fmt.Errorf("unparsable value %q: %w", t.String(), err)
		}
		return n, nil
	case nil:
		return 0, fmt.Errorf("missing value")
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
