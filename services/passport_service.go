package services

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/DataBiosphere/externalcreds/domain"
	"github.com/DataBiosphere/externalcreds/errors"
	"github.com/DataBiosphere/externalcreds/internal/audit"
	"github.com/DataBiosphere/externalcreds/internal/ga4gh"
	"github.com/DataBiosphere/externalcreds/internal/jwtverify"
)

// ValidationResult is the outcome of validating passports against caller
// criteria.
type ValidationResult struct {
	Valid            bool              `json:"valid"`
	MatchedCriterion ga4gh.Criterion   `json:"matched_criterion,omitempty"`
	AuditInfo        map[string]string `json:"audit_info,omitempty"`
}

// PassportService reads stored passports and validates caller-supplied
// passport tokens against authorization criteria.
type PassportService struct {
	decoder     *jwtverify.Decoder
	extractor   *ga4gh.Extractor
	comparators *ga4gh.ComparatorRegistry
	accounts    domain.LinkedAccountRepository
	passports   domain.PassportRepository
}

// NewPassportService creates a PassportService.
func NewPassportService(
	decoder *jwtverify.Decoder,
	extractor *ga4gh.Extractor,
	comparators *ga4gh.ComparatorRegistry,
	accounts domain.LinkedAccountRepository,
	passports domain.PassportRepository,
) *PassportService {
	return &PassportService{
		decoder:     decoder,
		extractor:   extractor,
		comparators: comparators,
		accounts:    accounts,
		passports:   passports,
	}
}

// GetPassport returns the stored passport for a link. An invalidated link
// has no passport, not a stale one.
func (s *PassportService) GetPassport(ctx context.Context, userID, providerID string) (*domain.Passport, error) {
	account, err := s.accounts.GetByUserAndProvider(ctx, userID, providerID)
	if err != nil {
		return nil, err
	}
	return s.passports.GetByLinkedAccountID(ctx, account.ID)
}

// ValidatePassport checks whether any visa embedded in the supplied
// passport tokens satisfies any of the criteria. Criteria of an unsupported
// type are a caller error. Untrustworthy passports are skipped, not fatal:
// the caller asked "is the user authorized", and an unverifiable passport
// simply contributes no authorizations.
func (s *PassportService) ValidatePassport(ctx context.Context, passportJWTs []string, criteria []ga4gh.Criterion) (*ValidationResult, error) {
	// Resolve all comparators up front so a bad criterion fails the whole
	// request before any matching happens.
	comparators := make([]ga4gh.Comparator, len(criteria))
	for i, criterion := range criteria {
		c, err := s.comparators.ForVisaType(criterion.VisaType())
		if err != nil {
			return nil, err
		}
		comparators[i] = c
	}

	for _, passportJWT := range passportJWTs {
		verified, err := s.decoder.Decode(ctx, passportJWT)
		if err != nil {
			if errors.IsInvalidJWT(err) {
				log.Ctx(ctx).Info().Msg("skipping untrustworthy passport during validation")
				continue
			}
			return nil, err
		}

		visas, err := s.extractVisas(ctx, verified)
		if err != nil {
			return nil, err
		}

		for i, criterion := range criteria {
			for _, visa := range visas {
				if !comparators[i].VisaTypeSupported(visa.VisaType) {
					continue
				}
				matched, err := comparators[i].MatchesCriterion(visa, criterion)
				if err != nil {
					return nil, err
				}
				if matched {
					result := &ValidationResult{
						Valid:            true,
						MatchedCriterion: criterion,
						AuditInfo: map[string]string{
							"visa_issuer": visa.Issuer,
							"visa_type":   visa.VisaType,
						},
					}
					audit.Log(audit.ActionValidatePassport, "", "", "", true, nil)
					return result, nil
				}
			}
		}
	}

	audit.Log(audit.ActionValidatePassport, "", "", "", false, nil)
	return &ValidationResult{Valid: false}, nil
}

func (s *PassportService) extractVisas(ctx context.Context, passport *jwtverify.VerifiedToken) ([]*domain.Visa, error) {
	raw, ok := passport.Claims[ga4gh.VisaArrayClaim].([]interface{})
	if !ok {
		return nil, nil
	}
	var visas []*domain.Visa
	for _, v := range raw {
		visaJWT, ok := v.(string)
		if !ok {
			continue
		}
		visa, err := s.extractor.ExtractVisa(ctx, visaJWT)
		if err != nil {
			if errors.IsInvalidJWT(err) {
				continue
			}
			return nil, err
		}
		visas = append(visas, visa)
	}
	return visas, nil
}
