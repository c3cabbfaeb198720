/*
Package procurement defines the monetary approval chains: purchase
requisitions and owner fund requests.

PURPOSE:
  Both chains consult the ThresholdPolicy at creation to classify the
  amount. Purchase requisitions only record the classification for the
  approvers to see; fund requests act on it: a multi-signature request
  needs two distinct signers, and the approved amount is charged to the
  requesting finance officer's spending ledger.

PURCHASE REQUISITION (PR-00001):
  pending -manager-> manager_approved -admin-> admin_approved
          -owner-> owner_approved -admin|owner-> purchased

FUND REQUEST (FR-00001):
  single signature:  pending -owner-> approved
  multi-signature:   pending -owner-> partially_signed
                             -owner|admin (different person)-> approved
  rejection:         pending | partially_signed -> denied

SEE ALSO:
  - generic/policy.go: classification bands
  - generic/ledger.go: daily and monthly caps
*/
package procurement

import (
	"context"

	"github.com/kushukushu/approval-engine/generic"
)

const (
	PurchaseRequisition generic.DocumentType = "purchase_requisition"
	FundRequest         generic.DocumentType = "fund_request"
)

// Purchase requisition states.
const (
	PRPending         generic.Status = "pending"
	PRManagerApproved generic.Status = "manager_approved"
	PRAdminApproved   generic.Status = "admin_approved"
	PROwnerApproved   generic.Status = "owner_approved"
	PRPurchased       generic.Status = "purchased"
	PRRejected        generic.Status = "rejected"
)

// Fund request states.
const (
	FRPending         generic.Status = "pending"
	FRPartiallySigned generic.Status = "partially_signed"
	FRApproved        generic.Status = "approved"
	FRDenied          generic.Status = "denied"
)

// Chains returns both procurement chains bound to ledger.
func Chains(ledger *generic.SpendingLedger) []*generic.Chain {
	return []*generic.Chain{
		NewPurchaseRequisitionChain(ledger),
		NewFundRequestChain(ledger),
	}
}

// classify records the policy's view of the amount on the document.
func classify(ctx context.Context, ledger *generic.SpendingLedger, doc *generic.Document) error {
	spending, err := ledger.Spending(ctx, doc.RequestedBy, doc.RequestedAt)
	if err != nil {
		return err
	}
	amount := doc.AmountOrZero()
	doc.ApprovalClass = ledger.Policy().Classify(amount, spending)
	doc.NotifyOwner = ledger.Policy().ShouldNotifyOwner(amount)
	return nil
}

// =============================================================================
// PURCHASE REQUISITION
// =============================================================================

func NewPurchaseRequisitionChain(ledger *generic.SpendingLedger) *generic.Chain {
	return &generic.Chain{
		Type:     PurchaseRequisition,
		Prefix:   "PR",
		Initial:  PRPending,
		Rejected: PRRejected,
		Monetary: true,
		Transitions: []generic.Transition{
			{From: PRPending, To: PRManagerApproved, Roles: []generic.Role{generic.RoleManager}},
			{From: PRManagerApproved, To: PRAdminApproved, Roles: []generic.Role{generic.RoleAdmin}},
			{From: PRAdminApproved, To: PROwnerApproved, Roles: []generic.Role{generic.RoleOwner}},
			{From: PROwnerApproved, To: PRPurchased, Roles: []generic.Role{generic.RoleAdmin, generic.RoleOwner}},
		},
		Prepare: func(ctx context.Context, doc *generic.Document) error {
			return classify(ctx, ledger, doc)
		},
	}
}
