// Package postprocess runs the address pass over imported prospects:
// address consolidation, restricted-list enforcement, external
// verification, business classification, and preferred-recipient
// selection.
package postprocess

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile-cli/internal/model"
	"github.com/sells-group/reconcile-cli/internal/store"
)

// Verification is the standardized result of an external address check.
type Verification struct {
	Address1   string
	Address2   string
	City       string
	StateCode  string
	PostalCode string
	IsVacant   bool
	IsBusiness bool
	// Deliverable is false when the external service found the address but
	// flags it undeliverable.
	Deliverable bool
}

// Verifier checks an address against an external service. A nil Verifier
// on the Processor skips external verification entirely.
type Verifier interface {
	Verify(ctx context.Context, a *model.Address) (*Verification, error)
}

// Result summarizes one post-processing pass.
type Result struct {
	Processed      int
	InvalidAddress int
	Restricted     int
	Verified       int
	VerifyFailures int
	MarkedBusiness int
	Flushes        int
}

// Processor runs the post-processing pass for one company at a time.
type Processor struct {
	store       store.Store
	verifier    Verifier
	batchSize   int
	recordLimit int
	log         *zap.Logger
}

// New creates a Processor. batchSize bounds flush frequency and recordLimit
// caps how many prospects one pass touches.
func New(st store.Store, verifier Verifier, batchSize, recordLimit int) *Processor {
	if batchSize <= 0 {
		batchSize = 2000
	}
	if recordLimit <= 0 {
		recordLimit = 10000
	}
	return &Processor{
		store:       st,
		verifier:    verifier,
		batchSize:   batchSize,
		recordLimit: recordLimit,
		log:         zap.L().With(zap.String("component", "postprocess")),
	}
}

// Run processes up to the record limit of the company's prospects,
// unprocessed ones first. A per-prospect storage error flushes what has
// already succeeded before returning, so partial progress is never lost.
func (p *Processor) Run(ctx context.Context, company *model.Company) (*Result, error) {
	res := &Result{}

	restricted, err := p.store.RestrictedAddressKeys(ctx)
	if err != nil {
		return res, eris.Wrap(err, "postprocess: load restricted keys")
	}

	prospects, err := p.store.ProspectsForPostProcessing(ctx, company.ID, p.recordLimit)
	if err != nil {
		return res, eris.Wrap(err, "postprocess: fetch prospects")
	}

	var dirtyProspects []*model.Prospect
	var dirtyAddresses []*model.Address
	// Addresses show up once per linked prospect within a pass; keep one
	// entity per id so flushes do not clobber each other.
	addrByID := make(map[int64]*model.Address)

	flush := func() error {
		if len(dirtyProspects) == 0 && len(dirtyAddresses) == 0 {
			return nil
		}
		res.Flushes++
		if err := p.store.SaveAddresses(ctx, dirtyAddresses); err != nil {
			return eris.Wrap(err, "postprocess: flush addresses")
		}
		if err := p.store.SaveProspects(ctx, dirtyProspects); err != nil {
			return eris.Wrap(err, "postprocess: flush prospects")
		}
		dirtyProspects = dirtyProspects[:0]
		dirtyAddresses = dirtyAddresses[:0]
		addrByID = make(map[int64]*model.Address)
		return nil
	}

	for i := range prospects {
		prospect := &prospects[i]
		addr, err := p.processOne(ctx, company, prospect, restricted, addrByID, res)
		if err != nil {
			if IsInvalidAddress(err) {
				res.InvalidAddress++
				p.log.Warn("skipping prospect with invalid address",
					zap.String("company", company.Identifier),
					zap.Int64("prospect_id", prospect.ID),
					zap.Error(err))
				// Still counts as processed. Otherwise the prospect would
				// occupy a slot of every capped pass forever.
				now := time.Now().UTC()
				prospect.ProcessedAt = &now
				dirtyProspects = append(dirtyProspects, prospect)
				if len(dirtyProspects) >= p.batchSize {
					if err := flush(); err != nil {
						return res, err
					}
				}
				continue
			}
			// Persist what already succeeded, then surface the error.
			if ferr := flush(); ferr != nil {
				p.log.Error("flush after failure also failed", zap.Error(ferr))
			}
			return res, eris.Wrapf(err, "postprocess: prospect %d", prospect.ID)
		}

		dirtyProspects = append(dirtyProspects, prospect)
		if _, seen := addrByID[addr.ID]; !seen {
			addrByID[addr.ID] = addr
			dirtyAddresses = append(dirtyAddresses, addr)
		}
		res.Processed++

		if len(dirtyProspects) >= p.batchSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := flush(); err != nil {
		return res, err
	}
	return res, nil
}

// processOne runs the full address pass for one prospect and returns the
// address entity it ended up linked to.
func (p *Processor) processOne(ctx context.Context, company *model.Company, prospect *model.Prospect, restricted map[string]struct{}, addrByID map[int64]*model.Address, res *Result) (*model.Address, error) {
	if prospect.Address1 == "" {
		return nil, &InvalidAddressError{ProspectID: prospect.ID, Reason: "empty street line"}
	}

	addr, err := p.resolveAddress(ctx, company, prospect, addrByID)
	if err != nil {
		return nil, err
	}
	if err := p.store.LinkProspectAddress(ctx, prospect.ID, addr.ID); err != nil {
		return nil, err
	}

	if _, hit := restricted[addr.Key()]; hit {
		if !addr.GlobalDoNotMail {
			res.Restricted++
		}
		addr.GlobalDoNotMail = true
		addr.DoNotMail = true
	}

	if p.verifier != nil && addr.EligibleForVerification() {
		p.verify(ctx, addr, res)
	}
	if !addr.IsVerified() && !addr.IsBusiness {
		if ClassifyBusiness(prospect.FullName, addr.Address1, addr.Address2) {
			addr.IsBusiness = true
			res.MarkedBusiness++
		}
	}

	if addr.DoNotMail || addr.GlobalDoNotMail {
		prospect.DoNotMail = true
	}

	// Preferred consolidation only applies once the address is trusted.
	if addr.IsVerified() {
		if err := p.store.SetPreferredProspect(ctx, addr.ID, prospect.ID); err != nil {
			return nil, err
		}
		prospect.IsPreferred = true
	}
	prospect.PreferredAddressID = &addr.ID

	now := time.Now().UTC()
	prospect.ProcessedAt = &now
	return addr, nil
}

func (p *Processor) resolveAddress(ctx context.Context, company *model.Company, prospect *model.Prospect, addrByID map[int64]*model.Address) (*model.Address, error) {
	key := model.AddressKey(prospect.Address1, prospect.Address2, prospect.City, prospect.State, prospect.PostalCodeShort)

	addr := &model.Address{
		CompanyID:  company.ID,
		ExternalID: key,
		Address1:   prospect.Address1,
		Address2:   prospect.Address2,
		City:       prospect.City,
		StateCode:  prospect.State,
		DoNotMail:  prospect.DoNotMail,
	}
	addr.SetPostalCode(prospect.PostalCode)

	if err := p.store.UpsertAddress(ctx, addr); err != nil {
		return nil, err
	}
	// Reuse the in-flight entity when several prospects share the address
	// within a batch.
	if cached, ok := addrByID[addr.ID]; ok {
		return cached, nil
	}
	return addr, nil
}

// verify submits the address once, counting the attempt whether or not the
// service answered.
func (p *Processor) verify(ctx context.Context, addr *model.Address, res *Result) {
	addr.VerificationAttempts++
	v, err := p.verifier.Verify(ctx, addr)
	if err != nil {
		res.VerifyFailures++
		p.log.Warn("address verification failed",
			zap.Int64("address_id", addr.ID),
			zap.Int("attempts", addr.VerificationAttempts),
			zap.Error(err))
		return
	}
	if !v.Deliverable {
		res.VerifyFailures++
		p.log.Info("address reported undeliverable", zap.Int64("address_id", addr.ID))
		return
	}

	addr.Address1 = v.Address1
	addr.Address2 = v.Address2
	addr.City = v.City
	addr.StateCode = v.StateCode
	addr.SetPostalCode(v.PostalCode)
	addr.IsVacant = v.IsVacant
	addr.IsBusiness = v.IsBusiness
	now := time.Now().UTC()
	addr.VerifiedAt = &now
	res.Verified++
}
