package ga4gh

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/DataBiosphere/externalcreds/domain"
	"github.com/DataBiosphere/externalcreds/errors"
	"github.com/DataBiosphere/externalcreds/internal/jwtverify"
)

// Well-known claim names of the GA4GH passport convention.
const (
	// PassportClaim holds the embedded passport JWT on the identity token.
	PassportClaim = "passport_jwt_v11"
	// VisaArrayClaim holds the list of embedded visa JWTs on the passport.
	VisaArrayClaim = "ga4gh_passport_v1"
	// VisaObjectClaim holds the visa assertion object on each visa token.
	VisaObjectClaim = "ga4gh_visa_v1"
)

// PassportBundle is the outcome of extraction: the passport plus all visas
// it embeds. A nil bundle with a nil error means the identity token carried
// no passport at all, which some providers legitimately never issue.
type PassportBundle struct {
	Passport *domain.Passport
	Visas    []*domain.Visa
}

// Extractor pulls passports and visas out of decoded identity tokens.
// Every embedded token is verified through the trust-resolving decoder
// before any of its claims are believed.
type Extractor struct {
	decoder *jwtverify.Decoder
}

// NewExtractor creates an Extractor over the given decoder.
func NewExtractor(decoder *jwtverify.Decoder) *Extractor {
	return &Extractor{decoder: decoder}
}

// ExtractPassport reads the embedded passport token out of identity-token
// claims, verifies it, and extracts its visas. Absence of the passport
// claim degrades gracefully to (nil, nil).
func (e *Extractor) ExtractPassport(ctx context.Context, identityClaims jwt.MapClaims) (*PassportBundle, error) {
	passportJWT, ok := identityClaims[PassportClaim].(string)
	if !ok || passportJWT == "" {
		return nil, nil
	}

	verified, err := e.decoder.Decode(ctx, passportJWT)
	if err != nil {
		return nil, err
	}

	exp, err := verified.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, errors.NewInvalidJWT("passport is missing expiry claim", err)
	}
	jti, _ := verified.Claims["jti"].(string)

	bundle := &PassportBundle{
		Passport: &domain.Passport{
			JWT:       passportJWT,
			ExpiresAt: exp.Time,
			JWTID:     jti,
		},
	}

	visaJWTs, err := visaStrings(verified.Claims)
	if err != nil {
		return nil, err
	}
	for _, visaJWT := range visaJWTs {
		visa, err := e.ExtractVisa(ctx, visaJWT)
		if err != nil {
			return nil, err
		}
		bundle.Visas = append(bundle.Visas, visa)
	}

	log.Ctx(ctx).Debug().Int("visas", len(bundle.Visas)).Msg("extracted passport")
	return bundle, nil
}

// ExtractVisa verifies one visa token and reads the fields the rest of the
// system relies on. The visa's type and expiry are required; the token-type
// classification derives solely from the presence of a jku header on the
// visa's own token.
func (e *Extractor) ExtractVisa(ctx context.Context, visaJWT string) (*domain.Visa, error) {
	verified, err := e.decoder.Decode(ctx, visaJWT)
	if err != nil {
		return nil, err
	}

	visaType, err := visaTypeOf(verified.Claims)
	if err != nil {
		return nil, err
	}
	exp, err := verified.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, errors.NewInvalidJWT("visa is missing expiry claim", err)
	}
	issuer, _ := verified.Claims.GetIssuer()

	tokenType := domain.VisaTokenTypeAccessToken
	if _, hasJKU := verified.JKU(); hasJKU {
		tokenType = domain.VisaTokenTypeDocumentToken
	}

	return &domain.Visa{
		VisaType:      visaType,
		JWT:           visaJWT,
		ExpiresAt:     exp.Time,
		Issuer:        issuer,
		TokenType:     tokenType,
		LastValidated: time.Now().UTC(),
	}, nil
}

// visaTypeOf reads the required type field of a visa's assertion object.
func visaTypeOf(claims jwt.MapClaims) (string, error) {
	obj, ok := claims[VisaObjectClaim].(map[string]interface{})
	if !ok {
		return "", errors.NewInvalidJWT(fmt.Sprintf("visa is missing %s claim", VisaObjectClaim), nil)
	}
	visaType, ok := obj["type"].(string)
	if !ok || visaType == "" {
		return "", errors.NewInvalidJWT("visa is missing type", nil)
	}
	return visaType, nil
}

func visaStrings(claims jwt.MapClaims) ([]string, error) {
	raw, ok := claims[VisaArrayClaim]
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, errors.NewInvalidJWT(fmt.Sprintf("%s claim is not a list", VisaArrayClaim), nil)
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		s, ok := v.(string)
		if !ok {
			return nil, errors.NewInvalidJWT(fmt.Sprintf("%s claim contains a non-string entry", VisaArrayClaim), nil)
		}
		out = append(out, s)
	}
	return out, nil
}
