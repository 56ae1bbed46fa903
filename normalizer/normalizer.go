package normalizer

import (
	"fmt"

	"bondwatch/logger"
	"bondwatch/models"
	"bondwatch/provider"
)

// Normalize maps one raw provider event into a canonical CouponEvent. An
// error means the record is not a valid candidate and must be discarded; it
// never aborts processing of sibling records.
func Normalize(raw provider.RawEvent) (models.CouponEvent, error) {
	switch raw.Source {
	case models.SourceTinkoff:
		return normalizeTinkoff(raw.Fields)
	case models.SourceMoex:
		return normalizeMoex(raw.Fields)
	default:
		return models.CouponEvent{}, fmt.Errorf("unsupported source for normalization: %s", raw.Source)
	}
}

// NormalizeAll normalizes a batch, discarding malformed records with a logged
// reason. Output order follows input order; no sorting happens here.
func NormalizeAll(raws []provider.RawEvent) []models.CouponEvent {
	log := logger.GetLogger().WithComponent("normalizer")

	events := make([]models.CouponEvent, 0, len(raws))
	for _, raw := range raws {
		ev, err := Normalize(raw)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"source": raw.Source}).Warn("discarding malformed coupon record")
			continue
		}
		events = append(events, ev)
	}
	return events
}
