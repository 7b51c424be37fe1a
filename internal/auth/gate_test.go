package auth

import (
	"context"
	"errors"
	"testing"

	"ocpihub.org/internal/ocpi"
	"ocpihub.org/internal/partner"
)

func role(r ocpi.Role, cc, pid string) ocpi.CredentialsRole {
	return ocpi.CredentialsRole{Role: r, CountryCode: cc, PartyID: pid}
}

func setupGate(t *testing.T) (*Gate, *partner.Registry) {
	t.Helper()
	reg := partner.NewRegistry(partner.NewMemoryStore(), nil)
	ctx := context.Background()
	regs := []partner.Registration{
		{Roles: []ocpi.CredentialsRole{role(ocpi.RoleEMSP, "DE", "GDF")}, TokenA: "emsp-token"},
		{Roles: []ocpi.CredentialsRole{role(ocpi.RoleCPO, "NL", "ABC")}, TokenA: "cpo-token"},
		{Roles: []ocpi.CredentialsRole{role(ocpi.RoleCPO, "BE", "MUL"), role(ocpi.RoleEMSP, "BE", "MUL")}, TokenA: "multi-token"},
		{Roles: []ocpi.CredentialsRole{role(ocpi.RoleCPO, "FR", "OLD")}, TokenA: "QUJD"},
	}
	for _, r := range regs {
		if _, err := reg.Register(ctx, r); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	return NewGate(reg), reg
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	gate, reg := setupGate(t)

	p, err := gate.Authenticate(ctx, ocpi.AuthorizationHeader("emsp-token"))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !p.Partner.HasRole(ocpi.RoleEMSP) {
		t.Fatalf("wrong partner: %+v", p.Partner)
	}

	// 2.1.1 peers send the token verbatim.
	if _, err := gate.Authenticate(ctx, "Token cpo-token"); err != nil {
		t.Fatalf("verbatim token: %v", err)
	}
	// "QUJD" is valid base64 for "ABC"; the verbatim value must still match.
	if _, err := gate.Authenticate(ctx, "Token QUJD"); err != nil {
		t.Fatalf("base64-looking verbatim token: %v", err)
	}

	if _, err := gate.Authenticate(ctx, ""); !errors.Is(err, ocpi.ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
	if _, err := gate.Authenticate(ctx, ocpi.AuthorizationHeader("unknown")); !errors.Is(err, ocpi.ErrAuth) || errors.Is(err, ocpi.ErrMissingToken) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}

	if err := reg.SetTokenStatus(ctx, p.Partner.ID, partner.TokenBlocked); err != nil {
		t.Fatal(err)
	}
	if _, err := gate.Authenticate(ctx, ocpi.AuthorizationHeader("emsp-token")); !errors.Is(err, ocpi.ErrAuth) {
		t.Fatalf("blocked token accepted: %v", err)
	}
	if err := reg.SetTokenStatus(ctx, p.Partner.ID, partner.TokenAllowed); err != nil {
		t.Fatal(err)
	}
	if err := reg.SetPartyStatus(ctx, p.Partner.ID, partner.PartyDisabled); err != nil {
		t.Fatal(err)
	}
	if _, err := gate.Authenticate(ctx, ocpi.AuthorizationHeader("emsp-token")); !errors.Is(err, ocpi.ErrAuth) {
		t.Fatalf("disabled partner accepted: %v", err)
	}
}

func TestCanWriteIsScopedToOwnParty(t *testing.T) {
	ctx := context.Background()
	gate, _ := setupGate(t)
	emsp, _ := gate.Authenticate(ctx, ocpi.AuthorizationHeader("emsp-token"))
	cpo, _ := gate.Authenticate(ctx, ocpi.AuthorizationHeader("cpo-token"))
	multi, _ := gate.Authenticate(ctx, ocpi.AuthorizationHeader("multi-token"))

	cases := []struct {
		name    string
		p       Principal
		module  ocpi.ModuleID
		cc, pid string
		allowed bool
	}{
		{"emsp writes own tokens", emsp, ocpi.ModuleTokens, "DE", "GDF", true},
		{"emsp writes other party tokens", emsp, ocpi.ModuleTokens, "DE", "GEF", false},
		{"emsp writes locations", emsp, ocpi.ModuleLocations, "DE", "GDF", false},
		{"cpo writes own locations", cpo, ocpi.ModuleLocations, "nl", "abc", true},
		{"cpo writes foreign locations", cpo, ocpi.ModuleLocations, "DE", "GEF", false},
		{"cpo writes tokens", cpo, ocpi.ModuleTokens, "NL", "ABC", false},
		{"multi role cpo side", multi, ocpi.ModuleTariffs, "BE", "MUL", true},
		{"multi role emsp side", multi, ocpi.ModuleTokens, "BE", "MUL", true},
	}
	for _, tc := range cases {
		err := tc.p.CanWrite(tc.module, tc.cc, tc.pid)
		if tc.allowed && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.allowed && !errors.Is(err, ocpi.ErrAuth) {
			t.Errorf("%s: expected ErrAuth, got %v", tc.name, err)
		}
	}
	if err := cpo.CanWrite("parking", "NL", "ABC"); !errors.Is(err, ocpi.ErrProtocol) {
		t.Fatalf("unknown module: %v", err)
	}
}

func TestCanIssueCommand(t *testing.T) {
	ctx := context.Background()
	gate, _ := setupGate(t)
	emsp, _ := gate.Authenticate(ctx, ocpi.AuthorizationHeader("emsp-token"))
	cpo, _ := gate.Authenticate(ctx, ocpi.AuthorizationHeader("cpo-token"))
	multi, _ := gate.Authenticate(ctx, ocpi.AuthorizationHeader("multi-token"))

	if err := emsp.CanIssueCommand(ocpi.RoleCPO); err != nil {
		t.Fatalf("emsp to cpo: %v", err)
	}
	if err := cpo.CanIssueCommand(ocpi.RoleCPO); !errors.Is(err, ocpi.ErrAuth) {
		t.Fatalf("cpo-only token issued cpo command: %v", err)
	}
	if err := multi.CanIssueCommand(ocpi.RoleCPO); err != nil {
		t.Fatalf("multi role: %v", err)
	}
}

func TestInvitationMustRegister(t *testing.T) {
	ctx := context.Background()
	gate, reg := setupGate(t)
	inv, err := reg.Invite(ctx)
	if err != nil {
		t.Fatal(err)
	}
	p, err := gate.Authenticate(ctx, ocpi.AuthorizationHeader(inv.TokenA))
	if err != nil {
		t.Fatalf("invitation token rejected: %v", err)
	}
	if err := p.RequireRegistered(); !errors.Is(err, ocpi.ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if err := p.CanWrite(ocpi.ModuleLocations, "NL", "ABC"); !errors.Is(err, ocpi.ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}

	ctx = ContextWithPrincipal(ctx, p)
	got, ok := PrincipalFromContext(ctx)
	if !ok || got.ID() != inv.ID {
		t.Fatalf("principal not stored: %+v", got)
	}
}

func TestRejectedPendingTokenLeavesRotationOpen(t *testing.T) {
	ctx := context.Background()
	gate, reg := setupGate(t)
	p, err := reg.LookupByToken(ctx, "cpo-token")
	if err != nil {
		t.Fatal(err)
	}

	for _, block := range []func() error{
		func() error { return reg.SetTokenStatus(ctx, p.ID, partner.TokenBlocked) },
		func() error { return reg.SetPartyStatus(ctx, p.ID, partner.PartyDisabled) },
	} {
		pending, err := reg.BeginRotation(ctx, p.ID)
		if err != nil {
			t.Fatalf("BeginRotation: %v", err)
		}
		if err := block(); err != nil {
			t.Fatal(err)
		}
		if _, err := gate.Authenticate(ctx, ocpi.AuthorizationHeader(pending)); !errors.Is(err, ocpi.ErrAuth) {
			t.Fatalf("pending token of a blocked partner accepted: %v", err)
		}
		after, err := reg.Get(ctx, p.ID)
		if err != nil {
			t.Fatal(err)
		}
		if after.TokenA != "cpo-token" || after.PendingTokenA != pending {
			t.Fatalf("rejected request changed the tokens: TokenA=%q pending=%q", after.TokenA, after.PendingTokenA)
		}

		if err := reg.AbortRotation(ctx, p.ID); err != nil {
			t.Fatal(err)
		}
		if err := reg.SetTokenStatus(ctx, p.ID, partner.TokenAllowed); err != nil {
			t.Fatal(err)
		}
		if err := reg.SetPartyStatus(ctx, p.ID, partner.PartyEnabled); err != nil {
			t.Fatal(err)
		}
	}
}
