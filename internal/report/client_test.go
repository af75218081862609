package report

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pinebi/report-engine/internal/domain"
)

func testWindow() Window {
	to := time.Date(2025, 3, 17, 9, 5, 0, 0, time.UTC)
	return Window{From: to.AddDate(0, 0, -7), To: to}
}

func TestRunDecodesRows(t *testing.T) {
	var gotPath, gotUser, gotFrom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, _, _ = r.BasicAuth()
		gotFrom = r.URL.Query().Get("from")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"Firma":"Acme","GENEL_TOPLAM":52340.75},{"Firma":"Beta","GENEL_TOPLAM":100}]`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "admin", "secret", time.Second)
	rows, err := c.Run(context.Background(), "daily-sales", testWindow())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0]["Firma"] != "Acme" {
		t.Errorf("row = %v", rows[0])
	}
	if gotPath != "/api/reports/daily-sales/rows" {
		t.Errorf("path = %q", gotPath)
	}
	if gotUser != "admin" {
		t.Errorf("basic auth user = %q", gotUser)
	}
	if gotFrom != "2025-03-10T09:05:00Z" {
		t.Errorf("from = %q", gotFrom)
	}
}

func TestRunErrorClassification(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusTooManyRequests, true},
		{http.StatusNotFound, false},
		{http.StatusUnauthorized, false},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))

		c := NewHTTPClient(srv.URL, "", "", time.Second)
		_, err := c.Run(context.Background(), "r", testWindow())
		srv.Close()

		if err == nil {
			t.Fatalf("status %d: want error", tc.status)
		}
		if IsTransient(err) != tc.transient {
			t.Errorf("status %d: IsTransient = %v, want %v", tc.status, IsTransient(err), tc.transient)
		}

		var re *Error
		if !errors.As(err, &re) || re.StatusCode != tc.status {
			t.Errorf("status %d: error = %v", tc.status, err)
		}
	}
}

func TestRunNetworkErrorIsTransient(t *testing.T) {
	c := NewHTTPClient("http://192.0.2.1:9", "", "", 50*time.Millisecond)
	_, err := c.Run(context.Background(), "r", testWindow())
	if err == nil {
		t.Fatal("want error for unreachable backend")
	}
	if !IsTransient(err) {
		t.Error("network failure must be transient")
	}
}

func TestRunMalformedBodyIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"not":"an array"`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", "", time.Second)
	_, err := c.Run(context.Background(), "r", testWindow())
	if err == nil {
		t.Fatal("want decode error")
	}
	if IsTransient(err) {
		t.Error("a decode error is not transient")
	}
}

func TestExportPassesFormat(t *testing.T) {
	var gotFormat string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotFormat = r.URL.Query().Get("format")
		w.Write([]byte("artifact-bytes"))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", "", time.Second)
	data, err := c.Export(context.Background(), "daily-sales", testWindow(), domain.FormatExcel)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if string(data) != "artifact-bytes" {
		t.Errorf("data = %q", data)
	}
	if gotFormat != "excel" {
		t.Errorf("format = %q, want excel", gotFormat)
	}
}

func TestFileNameAndContentType(t *testing.T) {
	at := time.Date(2025, 3, 17, 9, 5, 0, 0, time.UTC)

	if got := FileName("daily-sales", at, domain.FormatExcel); got != "daily-sales-20250317.xlsx" {
		t.Errorf("FileName = %q", got)
	}
	if got := FileName("daily-sales", at, domain.FormatPDF); got != "daily-sales-20250317.pdf" {
		t.Errorf("FileName = %q", got)
	}
	if got := ContentType(domain.FormatPDF); got != "application/pdf" {
		t.Errorf("ContentType pdf = %q", got)
	}
	if got := ContentType(domain.FormatCSV); got != "text/csv" {
		t.Errorf("ContentType csv = %q", got)
	}
}
