package moex

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"bondwatch/config"
	"bondwatch/models"
	"bondwatch/provider"
)

const bondizationBody = `{
	"coupons": {
		"columns": ["isin", "coupondate", "value", "valueprc"],
		"data": [
			["RU000A105TJ2", "2025-07-01", 12.0, 9.5],
			["RU000A105TJ2", "2026-01-05", null, null]
		]
	},
	"amortizations": {
		"columns": ["isin", "amortdate", "value"],
		"data": [["RU000A105TJ2", "2027-02-10", 250.0]]
	},
	"offers": {
		"columns": ["isin", "offerdate", "price"],
		"data": [["RU000A105TJ2", "2026-08-01", 100.0]]
	}
}`

func testServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, NewClient(config.MoexSourceConfig{BaseURL: srv.URL})
}

func TestFetchCoupons(t *testing.T) {
	var gotPath string
	_, c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(bondizationBody))
	})

	bond := &models.TrackedBond{ISIN: "RU000A105TJ2"}
	events, err := c.FetchCoupons(context.Background(), bond, provider.Window{})
	if err != nil {
		t.Fatalf("FetchCoupons: %v", err)
	}

	if gotPath != "/iss/securities/RU000A105TJ2/bondization.json" {
		t.Errorf("path = %q", gotPath)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Fields["coupondate"] != "2025-07-01" {
		t.Errorf("coupondate = %v", events[0].Fields["coupondate"])
	}
	if num, ok := events[0].Fields["value"].(json.Number); !ok || num.String() != "12.0" {
		t.Errorf("value = %T %v, want json.Number 12.0", events[0].Fields["value"], events[0].Fields["value"])
	}
	// A JSON null cell decodes to nil, not a zero value.
	if events[1].Fields["value"] != nil {
		t.Errorf("null cell = %v, want nil", events[1].Fields["value"])
	}
}

func TestFetchCouponsRowLengthMismatch(t *testing.T) {
	_, c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"coupons":{"columns":["coupondate","value"],"data":[["2025-07-01"],["2025-08-01",1.5]]}}`))
	})

	events, err := c.FetchCoupons(context.Background(), &models.TrackedBond{ISIN: "X"}, provider.Window{})
	if err != nil {
		t.Fatalf("FetchCoupons: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want short row dropped", len(events))
	}
}

func TestFetchCouponsStatusMapping(t *testing.T) {
	_, c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	_, err := c.FetchCoupons(context.Background(), &models.TrackedBond{ISIN: "X"}, provider.Window{})
	if !provider.IsNotFound(err) {
		t.Errorf("404: err = %v, want not-found", err)
	}

	_, c = testServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err = c.FetchCoupons(context.Background(), &models.TrackedBond{ISIN: "X"}, provider.Window{})
	if !provider.IsTransient(err) {
		t.Errorf("502: err = %v, want transient", err)
	}
}

func TestEvents(t *testing.T) {
	_, c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(bondizationBody))
	})

	events, err := c.Events(context.Background(), "RU000A105TJ2")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want amortization and offer", len(events))
	}

	amort := events[0]
	if amort.Kind != "amortization" || models.FormatDate(amort.Date) != "2027-02-10" || amort.Value.String() != "250" {
		t.Errorf("amortization = %+v", amort)
	}
	offer := events[1]
	if offer.Kind != "offer" || models.FormatDate(offer.Date) != "2026-08-01" || offer.Value.String() != "100" {
		t.Errorf("offer = %+v", offer)
	}
}

func TestBondName(t *testing.T) {
	_, c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/iss/securities/RU000A105TJ2.json" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"description":{
			"columns":["name","title","value"],
			"data":[
				["ISIN","ISIN code","RU000A105TJ2"],
				["SHORTNAME","Short name","OFZ 26238"]
			]
		}}`))
	})

	name, err := c.BondName(context.Background(), "RU000A105TJ2")
	if err != nil {
		t.Fatalf("BondName: %v", err)
	}
	if name != "OFZ 26238" {
		t.Errorf("name = %q", name)
	}
}

func TestBondNameMissing(t *testing.T) {
	_, c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"description":{"columns":["name","value"],"data":[["ISIN","X"]]}}`))
	})

	_, err := c.BondName(context.Background(), "X")
	if !provider.IsNotFound(err) {
		t.Errorf("err = %v, want not-found", err)
	}
}
