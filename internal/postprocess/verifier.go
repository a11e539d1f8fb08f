package postprocess

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reconcile-cli/internal/model"
	"github.com/sells-group/reconcile-cli/pkg/usps"
)

// USPSVerifier adapts the USPS client to the Verifier interface.
type USPSVerifier struct {
	client usps.Client
}

// NewUSPSVerifier wraps a USPS client.
func NewUSPSVerifier(client usps.Client) *USPSVerifier {
	return &USPSVerifier{client: client}
}

func (v *USPSVerifier) Verify(ctx context.Context, a *model.Address) (*Verification, error) {
	resp, err := v.client.StandardizeAddress(ctx, usps.AddressRequest{
		StreetAddress:    a.Address1,
		SecondaryAddress: a.Address2,
		City:             a.City,
		State:            a.StateCode,
		ZIPCode:          a.PostalCodeShort,
	})
	if err != nil {
		return nil, eris.Wrap(err, "postprocess: usps verify")
	}
	return &Verification{
		Address1:    resp.Address.StreetAddress,
		Address2:    resp.Address.SecondaryAddress,
		City:        resp.Address.City,
		StateCode:   resp.Address.State,
		PostalCode:  resp.ZIP(),
		IsVacant:    resp.IsVacant(),
		IsBusiness:  resp.IsBusiness(),
		Deliverable: resp.Deliverable(),
	}, nil
}
