package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                               "/",
		"/metrics":                       "/metrics",
		"/v1/accounts/abc":               "/v1/accounts/:id",
		"/v1/accounts/abc/balance":       "/v1/accounts/:id/balance",
		"/v1/accounts/abc/movements":     "/v1/accounts/:id/movements",
		"/v1/accounts/abc/extra":         "/v1/accounts/abc/extra",
		"/v1/instruments/x1":             "/v1/instruments/:id",
		"/v1/instruments/x1/cancel":      "/v1/instruments/:id/cancel",
		"/v1/settlements/x1/reverse":     "/v1/settlements/:id/reverse",
		"/v1/reconciliation/runs/r1":     "/v1/reconciliation/runs/:id",
		"/v1/reconciliation/auto":        "/v1/reconciliation/auto",
		"/v1/accounts/abc?limit=10":      "/v1/accounts/:id",
		"/v1/reconciliation/runs/r1/movements/3/resolve": "/v1/reconciliation/runs/:id/movements/:idx/resolve",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
