package kek

import (
	"fmt"
	"sort"

	"github.com/quorumkey/kek-service-backend/interfaces"
)

// ThresholdLedger tracks which principals have contributed to a counted
// process and how many contributions it has collected. Quorum tasks and
// recovery sessions both sit on top of it: each is a ledger entry plus a
// record describing what the count unlocks.
//
// The ledger itself only enforces at-most-one contribution per principal.
// Callers decide inside the same transaction what reaching the threshold
// means, which is what makes completion atomic with the final contribution.
type ThresholdLedger struct {
	ns string
}

// NewThresholdLedger returns a ledger whose contributor sets live under the
// given namespace. Distinct subsystems must use distinct namespaces.
func NewThresholdLedger(ns string) *ThresholdLedger {
	return &ThresholdLedger{ns: ns}
}

func (l *ThresholdLedger) setKey(id string) string {
	return "ledger:" + l.ns + ":" + id
}

// Contribute records a contribution by the given principal and returns the
// resulting contribution count. A repeated contribution by the same principal
// returns interfaces.ErrConflict and leaves the count unchanged.
func (l *ThresholdLedger) Contribute(tx interfaces.Tx, id string, principal interfaces.PrincipalID) (int, error) {
	key := l.setKey(id)
	if tx.SHas(key, string(principal)) {
		return tx.SCard(key), fmt.Errorf("%w: principal %s already contributed", interfaces.ErrConflict, principal)
	}
	tx.SAdd(key, string(principal))
	return tx.SCard(key), nil
}

// Count returns the number of recorded contributions.
func (l *ThresholdLedger) Count(tx interfaces.ReadTx, id string) int {
	return tx.SCard(l.setKey(id))
}

// Has reports whether the principal has already contributed.
func (l *ThresholdLedger) Has(tx interfaces.ReadTx, id string, principal interfaces.PrincipalID) bool {
	return tx.SHas(l.setKey(id), string(principal))
}

// Contributors returns the contributing principals in stable order.
func (l *ThresholdLedger) Contributors(tx interfaces.ReadTx, id string) []interfaces.PrincipalID {
	members := tx.SMembers(l.setKey(id))
	sort.Strings(members)
	out := make([]interfaces.PrincipalID, len(members))
	for i, m := range members {
		out[i] = interfaces.PrincipalID(m)
	}
	return out
}

// Drop removes the ledger entry for id.
func (l *ThresholdLedger) Drop(tx interfaces.Tx, id string) {
	for _, m := range tx.SMembers(l.setKey(id)) {
		tx.SRem(l.setKey(id), m)
	}
}
