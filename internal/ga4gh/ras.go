package ga4gh

import (
	"encoding/json"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/DataBiosphere/externalcreds/domain"
	"github.com/DataBiosphere/externalcreds/errors"
)

// VisaTypeRASv11 is the visa-type URI of NIH RAS v1.1 dbGaP visas.
const VisaTypeRASv11 = "https://ras.nih.gov/visas/v1.1"

// rasPermissionsClaim holds the dbGaP permission entries on a RAS visa.
const rasPermissionsClaim = "ras_dbgap_permissions"

// RASv11Criterion matches a visa that grants access to one dbGaP study and
// consent group.
type RASv11Criterion struct {
	PhsID       string `json:"phs_id"`
	ConsentCode string `json:"consent_code"`
}

// VisaType implements Criterion.
func (RASv11Criterion) VisaType() string { return VisaTypeRASv11 }

// dbGaPPermission is one entry of the ras_dbgap_permissions claim.
type dbGaPPermission struct {
	PhsID        string `json:"phs_id"`
	ConsentGroup string `json:"consent_group"`
	Role         string `json:"role"`
}

// RASv11Comparator implements Comparator for RAS v1.1 visas.
type RASv11Comparator struct{}

// NewRASv11Comparator creates a RASv11Comparator.
func NewRASv11Comparator() *RASv11Comparator {
	return &RASv11Comparator{}
}

// VisaTypeSupported implements Comparator.
func (c *RASv11Comparator) VisaTypeSupported(visaType string) bool {
	return visaType == VisaTypeRASv11
}

// AuthorizationsMatch compares the permission multisets of two visas,
// order-independently.
func (c *RASv11Comparator) AuthorizationsMatch(a, b *domain.Visa) (bool, error) {
	permsA, err := c.permissions(a)
	if err != nil {
		return false, err
	}
	permsB, err := c.permissions(b)
	if err != nil {
		return false, err
	}
	if len(permsA) != len(permsB) {
		return false, nil
	}

	counts := make(map[dbGaPPermission]int, len(permsA))
	for _, p := range permsA {
		counts[p]++
	}
	for _, p := range permsB {
		counts[p]--
		if counts[p] < 0 {
			return false, nil
		}
	}
	return true, nil
}

// MatchesCriterion reports whether any permission entry grants exactly the
// criterion's (phsId, consentGroup).
func (c *RASv11Comparator) MatchesCriterion(visa *domain.Visa, criterion Criterion) (bool, error) {
	rasCriterion, ok := criterion.(RASv11Criterion)
	if !ok {
		return false, fmt.Errorf("%w: %T is not a RAS v1.1 criterion", errors.ErrUnsupportedCriterion, criterion)
	}
	if !c.VisaTypeSupported(visa.VisaType) {
		return false, fmt.Errorf("%w: visa type %s", errors.ErrUnsupportedCriterion, visa.VisaType)
	}

	perms, err := c.permissions(visa)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p.PhsID == rasCriterion.PhsID && p.ConsentGroup == rasCriterion.ConsentCode {
			return true, nil
		}
	}
	return false, nil
}

// permissions parses the dbGaP permission entries out of the visa's claims.
// The visa was already verified at extraction time, so an unverified parse
// of the stored token is sufficient here.
func (c *RASv11Comparator) permissions(visa *domain.Visa) ([]dbGaPPermission, error) {
	token, _, err := jwt.NewParser().ParseUnverified(visa.JWT, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse visa claims: %w", err)
	}
	claims := token.Claims.(jwt.MapClaims)

	raw, ok := claims[rasPermissionsClaim]
	if !ok {
		return nil, nil
	}

	// Round-trip through JSON to decode the loosely typed claim value.
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode %s claim: %w", rasPermissionsClaim, err)
	}
	var perms []dbGaPPermission
	if err := json.Unmarshal(data, &perms); err != nil {
		return nil, fmt.Errorf("failed to decode %s claim: %w", rasPermissionsClaim, err)
	}
	return perms, nil
}

var _ Comparator = (*RASv11Comparator)(nil)
