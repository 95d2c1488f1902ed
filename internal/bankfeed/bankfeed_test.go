package bankfeed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"concilia.dev/internal/reconcile"
)

func TestFetchParsesFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/integrations/itau-1/movements" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer feed-token" {
			t.Errorf("missing auth header: %q", got)
		}
		if got := r.URL.Query().Get("since"); got != "2024-01-08" {
			t.Errorf("unexpected since: %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"movements":[
			{"date":"2024-01-10","amount":102500,"description":"LIQUIDACAO","bank_ref":"00012345678"},
			{"date":"2024-01-10","amount":-1200,"description":"TARIFA"}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "feed-token")
	movs, err := c.Fetch(context.Background(), reconcile.Integration{ID: "itau-1"},
		time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if len(movs) != 2 {
		t.Fatalf("expected 2 movements, got %d", len(movs))
	}
	if movs[0].Amount != 102_500 || movs[0].BankRef != "00012345678" {
		t.Fatalf("unexpected movement: %+v", movs[0])
	}
	if !movs[0].Date.Equal(time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected date: %v", movs[0].Date)
	}
	if movs[1].Amount != -1_200 {
		t.Fatalf("debit sign lost: %+v", movs[1])
	}
}

func TestFetchMapsFailuresToIntegrationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.Fetch(context.Background(), reconcile.Integration{ID: "itau-1"}, time.Now())
	if !errors.Is(err, reconcile.ErrIntegration) {
		t.Fatalf("expected integration error, got %v", err)
	}
}

func TestParseCSV(t *testing.T) {
	in := strings.NewReader(strings.Join([]string{
		"date,amount,description,bank_ref",
		"2024-01-10,1025.00,LIQUIDACAO BOLETO,00012345678",
		"2024-01-10,-12.00,TARIFA MANUTENCAO",
	}, "\n"))

	movs, err := ParseCSV(in)
	if err != nil {
		t.Fatal(err)
	}
	if len(movs) != 2 {
		t.Fatalf("expected 2 movements, got %d", len(movs))
	}
	if movs[0].Amount != 102_500 || movs[0].BankRef != "00012345678" {
		t.Fatalf("unexpected first movement: %+v", movs[0])
	}
	if movs[1].Amount != -1_200 || movs[1].BankRef != "" {
		t.Fatalf("unexpected second movement: %+v", movs[1])
	}
}

func TestParseCSVRejectsBadRows(t *testing.T) {
	if _, err := ParseCSV(strings.NewReader("10/01/2024,1025.00,X")); err == nil {
		t.Fatal("bad date accepted")
	}
	if _, err := ParseCSV(strings.NewReader("2024-01-10,abc,X")); err == nil {
		t.Fatal("bad amount accepted")
	}
}
