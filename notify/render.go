package notify

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"bondwatch/models"
)

// RenderCouponReminder builds the reminder text for an upcoming coupon.
// The amount is omitted when the source did not supply one.
func RenderCouponReminder(bond models.TrackedBond, date time.Time, amount *decimal.Decimal, leadDays int) string {
	day := "days"
	if leadDays == 1 {
		day = "day"
	}
	label := bond.ISIN
	if bond.Name != "" {
		label = fmt.Sprintf("%s (%s)", bond.Name, bond.ISIN)
	}
	head := fmt.Sprintf("Coupon reminder: %s pays in %d %s, on %s.",
		label, leadDays, day, models.FormatDate(date))
	if amount == nil {
		return head
	}
	return fmt.Sprintf("%s Payout per bond: %s.", head, amount.StringFixed(2))
}
