package ocpi

import (
	"errors"
	"net/http"
	"testing"
)

func TestHighestMutual(t *testing.T) {
	theirs := []Version{
		{Version: "2.0", URL: "https://p/2.0"},
		{Version: V211, URL: "https://p/2.1.1"},
		{Version: V221, URL: "https://p/2.2.1"},
		{Version: "3.0", URL: "https://p/3.0"},
	}
	got, ok := HighestMutual(SupportedVersions, theirs)
	if !ok || got.Version != V221 || got.URL != "https://p/2.2.1" {
		t.Fatalf("unexpected pick: %+v ok=%v", got, ok)
	}

	_, ok = HighestMutual(SupportedVersions, []Version{{Version: "2.0"}})
	if ok {
		t.Fatal("expected no mutual version")
	}
}

func TestVersionCompare(t *testing.T) {
	cases := []struct {
		a, b VersionNumber
		want int
	}{
		{"2.2.1", "2.1.1", 1},
		{"2.1.1", "2.2.1", -1},
		{"2.2", "2.2.0", 0},
		{"2.10", "2.9", 1},
	}
	for _, tc := range cases {
		if got := tc.a.Compare(tc.b); got != tc.want {
			t.Fatalf("Compare(%s,%s)=%d want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestAuthorizationRoundTrip(t *testing.T) {
	tok := "abc-123_XYZ"
	got, err := ParseAuthorization(AuthorizationHeader(tok))
	if err != nil || got != tok {
		t.Fatalf("ParseAuthorization = %q, %v", got, err)
	}

	got, err = ParseAuthorization("token plain-token-2.1.1")
	if err != nil || got != "plain-token-2.1.1" {
		t.Fatalf("raw token: %q, %v", got, err)
	}

	for _, h := range []string{"", "Token ", "Bearer abc", "Tokenabc"} {
		if _, err := ParseAuthorization(h); !errors.Is(err, ErrMissingToken) || !errors.Is(err, ErrAuth) {
			t.Fatalf("header %q: expected ErrMissingToken, got %v", h, err)
		}
	}
}

func TestStatusErrorIs(t *testing.T) {
	err := error(&StatusError{HTTPStatus: http.StatusConflict, Code: StatusClientError})
	if !errors.Is(err, ErrStaleWrite) {
		t.Fatal("409 should map to ErrStaleWrite")
	}
	err = &StatusError{HTTPStatus: http.StatusOK, Code: StatusUnknownObject}
	if !errors.Is(err, ErrNotFound) {
		t.Fatal("2003 should map to ErrNotFound")
	}
	if errors.Is(err, ErrAuth) {
		t.Fatal("unexpected ErrAuth")
	}
}

func TestValidateCredentials(t *testing.T) {
	valid := []byte(`{"token":"t","url":"https://x/versions","roles":[{"role":"CPO","party_id":"ABC","country_code":"NL","business_details":{"name":"X"}}]}`)
	if err := ValidateCredentials(valid); err != nil {
		t.Fatalf("valid credentials rejected: %v", err)
	}
	invalid := []byte(`{"token":"t","url":"https://x/versions","roles":[{"role":"KING","party_id":"ABCD","country_code":"NL","business_details":{"name":"X"}}]}`)
	if err := ValidateCredentials(invalid); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
	if err := ValidateCredentials([]byte(`{`)); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol for broken json, got %v", err)
	}
}

func TestModules(t *testing.T) {
	m, ok := LookupModule(ModuleLocations)
	if !ok || m.Owner != RoleCPO || m.ReceiverRole() != RoleEMSP || m.Depth != 3 {
		t.Fatalf("unexpected locations module: %+v", m)
	}
	m, _ = LookupModule(ModuleTokens)
	if m.ReceiverRole() != RoleCPO {
		t.Fatalf("tokens are received by CPOs")
	}
	if _, ok := LookupModule(ModuleCommands); ok {
		t.Fatal("commands is not a data module")
	}
}

func TestFindEndpoint(t *testing.T) {
	eps := []Endpoint{
		{Identifier: ModuleLocations, Role: InterfaceSender, URL: "s"},
		{Identifier: ModuleLocations, Role: InterfaceReceiver, URL: "r"},
		{Identifier: ModuleCredentials, URL: "c"},
	}
	if ep, ok := FindEndpoint(eps, ModuleLocations, InterfaceReceiver); !ok || ep.URL != "r" {
		t.Fatalf("unexpected %v %v", ep, ok)
	}
	if ep, ok := FindEndpoint(eps, ModuleCredentials, InterfaceReceiver); !ok || ep.URL != "c" {
		t.Fatalf("role-less endpoint should match: %v %v", ep, ok)
	}
	if _, ok := FindEndpoint(eps, ModuleCommands, InterfaceReceiver); ok {
		t.Fatal("unexpected commands endpoint")
	}
}
