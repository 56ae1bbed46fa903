package tinkoff

import (
	"context"
	"fmt"
	"time"

	cache "github.com/patrickmn/go-cache"

	"bondwatch/logger"
	"bondwatch/models"
	"bondwatch/provider"
)

// Class codes tried in order when resolving a FIGI. TQCB is the default
// corporate bond board; the rest are the boards the exchange actually uses
// for state and foreign-currency bonds.
var classCodes = []string{"TQCB", "TQOB", "TQOD", "TQIR"}

// Resolution is the result of a successful FIGI lookup.
type Resolution struct {
	FIGI      string
	ClassCode string
	Name      string
}

// Lookup resolves FIGIs through the BondBy endpoint. Misses are negatively
// cached so the backfill does not hammer the endpoint for ISINs the provider
// does not know.
type Lookup struct {
	client   *Client
	notFound *cache.Cache
	log      *logger.Log
}

// NewLookup wraps a client with FIGI resolution. notFoundTTL bounds how long
// a miss suppresses repeated lookups for the same ISIN.
func NewLookup(client *Client, notFoundTTL time.Duration) *Lookup {
	if notFoundTTL <= 0 {
		notFoundTTL = 24 * time.Hour
	}
	return &Lookup{
		client:   client,
		notFound: cache.New(notFoundTTL, 2*notFoundTTL),
		log:      logger.GetLogger(),
	}
}

// ResolveFIGI tries BondBy with the preferred class code first, then the
// remaining known boards. The first hit wins.
func (l *Lookup) ResolveFIGI(ctx context.Context, isin, preferredClassCode string) (*Resolution, error) {
	if _, miss := l.notFound.Get(isin); miss {
		return nil, provider.NotFound(models.SourceTinkoff, fmt.Errorf("FIGI lookup for %s negatively cached", isin))
	}

	log := l.log.WithComponent("figi_lookup").WithFields(logger.Fields{"isin": isin})

	for _, code := range orderedClassCodes(preferredClassCode) {
		res, err := l.bondBy(ctx, isin, code)
		if err != nil {
			if provider.IsNotFound(err) {
				continue
			}
			// Transient errors abort the attempt chain; the next backfill
			// pass retries.
			return nil, err
		}
		log.WithFields(logger.Fields{"figi": res.FIGI, "class_code": res.ClassCode}).Info("resolved FIGI")
		return res, nil
	}

	l.notFound.SetDefault(isin, true)
	log.Warn("no FIGI found on any class code")
	return nil, provider.NotFound(models.SourceTinkoff, fmt.Errorf("no FIGI for %s on any class code", isin))
}

func (l *Lookup) bondBy(ctx context.Context, isin, classCode string) (*Resolution, error) {
	body := map[string]string{
		"idType":    "INSTRUMENT_ID_TYPE_TICKER",
		"classCode": classCode,
		"id":        isin,
	}

	var resp struct {
		Instrument struct {
			FIGI string `json:"figi"`
			Name string `json:"name"`
		} `json:"instrument"`
	}
	if err := l.client.postJSON(ctx, l.client.cfg.BondByURL, body, &resp); err != nil {
		return nil, err
	}
	if resp.Instrument.FIGI == "" {
		return nil, provider.NotFound(models.SourceTinkoff, fmt.Errorf("empty instrument for %s/%s", isin, classCode))
	}
	return &Resolution{FIGI: resp.Instrument.FIGI, ClassCode: classCode, Name: resp.Instrument.Name}, nil
}

func orderedClassCodes(preferred string) []string {
	if preferred == "" {
		return classCodes
	}
	ordered := []string{preferred}
	for _, c := range classCodes {
		if c != preferred {
			ordered = append(ordered, c)
		}
	}
	return ordered
}
