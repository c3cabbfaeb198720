package procurement

import (
	"context"

	"github.com/kushukushu/approval-engine/generic"
)

// FundRequestCreators are the roles that ask the owner for funds.
var FundRequestCreators = []generic.Role{generic.RoleFinance, generic.RoleAdmin}

func NewFundRequestChain(ledger *generic.SpendingLedger) *generic.Chain {
	f := &fundRequest{ledger: ledger}
	return &generic.Chain{
		Type:         FundRequest,
		Prefix:       "FR",
		Initial:      FRPending,
		Rejected:     FRDenied,
		Monetary:     true,
		CreatorRoles: FundRequestCreators,
		Transitions: []generic.Transition{
			{
				From: FRPending, To: FRApproved,
				Roles:  []generic.Role{generic.RoleOwner},
				Guard:  f.singleSignature,
				Effect: f.charge,
			},
			{
				From: FRPending, To: FRPartiallySigned,
				Roles: []generic.Role{generic.RoleOwner},
				Guard: f.firstSignature,
			},
			{
				From: FRPartiallySigned, To: FRApproved,
				Roles:  []generic.Role{generic.RoleOwner, generic.RoleAdmin},
				Guard:  f.secondSignature,
				Effect: f.charge,
			},
		},
		Prepare: f.prepare,
	}
}

type fundRequest struct {
	ledger *generic.SpendingLedger
}

func (f *fundRequest) prepare(ctx context.Context, doc *generic.Document) error {
	if err := classify(ctx, f.ledger, doc); err != nil {
		return err
	}
	// The multi-signature band starts at the threshold for display, but a
	// second signature is only needed strictly above it.
	doc.RequiresMultiSignature = doc.AmountOrZero().GreaterThan(f.ledger.Policy().Config().MultiSignature)
	return nil
}

// needsTwoSignatures re-checks the current policy so that lowering the
// multi-signature threshold also covers requests already in flight.
func (f *fundRequest) needsTwoSignatures(doc generic.Document) bool {
	if doc.RequiresMultiSignature {
		return true
	}
	return doc.AmountOrZero().GreaterThan(f.ledger.Policy().Config().MultiSignature)
}

func (f *fundRequest) singleSignature(_ context.Context, tc generic.TransitionContext) error {
	if f.needsTwoSignatures(tc.Doc) {
		return &generic.TransitionError{
			Type: tc.Doc.Type, From: tc.Doc.Status, To: tc.Target,
			Reason: "second signature required",
		}
	}
	return nil
}

func (f *fundRequest) firstSignature(_ context.Context, tc generic.TransitionContext) error {
	if !f.needsTwoSignatures(tc.Doc) {
		return &generic.TransitionError{
			Type: tc.Doc.Type, From: tc.Doc.Status, To: tc.Target,
			Reason: "request does not require multiple signatures",
		}
	}
	return nil
}

func (f *fundRequest) secondSignature(_ context.Context, tc generic.TransitionContext) error {
	for _, id := range tc.Doc.Approvers() {
		if id == tc.Actor.ID {
			return &generic.UnauthorizedError{
				Actor: tc.Actor.ID, Role: tc.Actor.Role, Stage: tc.Target,
				Reason: "the second signature must come from a different person",
			}
		}
	}
	return nil
}

// charge books the approved amount against the requesting officer inside
// the transition's transaction.
func (f *fundRequest) charge(ctx context.Context, tx generic.Store, tc generic.TransitionContext) error {
	return f.ledger.WithStore(tx).Record(ctx, tc.Doc.RequestedBy, tc.Doc.AmountOrZero(), tc.At, tc.Doc.Number)
}
