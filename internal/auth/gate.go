package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ocpihub.org/internal/ocpi"
	"ocpihub.org/internal/partner"
)

// TokenResolver maps an inbound token to its partner. *partner.Registry
// implements it.
type TokenResolver interface {
	LookupByToken(ctx context.Context, token string) (partner.Partner, error)
}

// Gate authenticates OCPI requests.
type Gate struct {
	tokens TokenResolver
}

// NewGate returns a Gate resolving tokens through tokens.
func NewGate(tokens TokenResolver) *Gate {
	return &Gate{tokens: tokens}
}

// Authenticate resolves the Authorization header to a principal. A missing
// token fails with ocpi.ErrMissingToken; unknown, blocked and disabled
// partners fail with ocpi.ErrAuth.
func (g *Gate) Authenticate(ctx context.Context, header string) (Principal, error) {
	token, err := ocpi.ParseAuthorization(header)
	if err != nil {
		return Principal{}, err
	}
	p, err := g.tokens.LookupByToken(ctx, token)
	if errors.Is(err, ocpi.ErrAuth) {
		// A verbatim token that happens to be valid base64 was decoded.
		if raw := verbatim(header); raw != token {
			p, err = g.tokens.LookupByToken(ctx, raw)
		}
	}
	if err != nil {
		return Principal{}, err
	}
	if p.TokenStatus == partner.TokenBlocked {
		return Principal{}, fmt.Errorf("%w: token blocked", ocpi.ErrAuth)
	}
	if p.PartyStatus == partner.PartyDisabled {
		return Principal{}, fmt.Errorf("%w: partner disabled", ocpi.ErrAuth)
	}
	return Principal{Partner: p}, nil
}

func verbatim(header string) string {
	_, raw, _ := strings.Cut(strings.TrimSpace(header), " ")
	return strings.TrimSpace(raw)
}

// Principal is an authenticated partner.
type Principal struct {
	Partner partner.Partner
}

// ID returns the partner id.
func (p Principal) ID() string { return p.Partner.ID }

// RequireRegistered rejects registration-token holders; they may only reach
// the versions and credentials endpoints.
func (p Principal) RequireRegistered() error {
	if p.Partner.IsInvitation() {
		return fmt.Errorf("%w: registration not completed", ocpi.ErrAuth)
	}
	return nil
}

// CanWrite allows a receiver write when the caller holds the module's owner
// role for the (countryCode, partyID) in the URL.
func (p Principal) CanWrite(module ocpi.ModuleID, countryCode, partyID string) error {
	if err := p.RequireRegistered(); err != nil {
		return err
	}
	m, ok := ocpi.LookupModule(module)
	if !ok {
		return fmt.Errorf("%w: unknown module %q", ocpi.ErrProtocol, module)
	}
	for _, role := range p.Partner.Roles {
		if role.Role == m.Owner && role.Matches(countryCode, partyID) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s may not write %s for %s/%s", ocpi.ErrAuth, p.Partner.Label(), module,
		strings.ToUpper(countryCode), strings.ToUpper(partyID))
}

// CanIssueCommand allows a command when the caller holds a role other than
// the interface role that receives it.
func (p Principal) CanIssueCommand(receiver ocpi.Role) error {
	if err := p.RequireRegistered(); err != nil {
		return err
	}
	for _, role := range p.Partner.Roles {
		if role.Role != receiver {
			return nil
		}
	}
	return fmt.Errorf("%w: %s cannot issue commands to a %s", ocpi.ErrAuth, p.Partner.Label(), receiver)
}
