package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                          "/",
		"/metrics":                                  "/metrics",
		"/v1/escrows":                               "/v1/escrows",
		"/v1/escrows/01HZX":                         "/v1/escrows/:id",
		"/v1/escrows/01HZX/milestones":              "/v1/escrows/:id/milestones",
		"/v1/escrows/01HZX/milestones/01J0/approve": "/v1/escrows/:id/milestones/:id/approve",
		"/v1/disputes/01J1/resolve":                 "/v1/disputes/:id/resolve",
		"/v1/escrows/01HZX/audit?limit=10":          "/v1/escrows/:id/audit",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
