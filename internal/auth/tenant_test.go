package auth

import (
	"errors"
	"testing"
)

func TestResolveTenant(t *testing.T) {
	scoped := &Claims{TenantID: "t-token"}
	cases := []struct {
		name     string
		explicit string
		claims   *Claims
		required bool
		want     string
		wantErr  error
	}{
		{"explicit wins", "t-header", scoped, true, "t-header", nil},
		{"falls back to claims", "", scoped, true, "t-token", nil},
		{"whitespace header ignored", "  ", scoped, true, "t-token", nil},
		{"missing but optional", "", &Claims{}, false, "", nil},
		{"missing and required", "", &Claims{}, true, "", ErrBadRequest},
		{"nil claims", "", nil, true, "", ErrBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ResolveTenant(tc.explicit, tc.claims, tc.required)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}
