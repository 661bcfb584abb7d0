package engine

import "fmt"

// Payment is one staged outbound transfer.
type Payment struct {
	To     string
	Amount uint64
}

// TransferFunc applies a batch of outbound transfers. The substrate must
// make the batch atomic: either every payment in it is durably credited or
// none is. A partially applied batch would let a retried roll pay the same
// participant twice, since the engine aborts without marking the bucket
// rolled. The server runs each batch inside one database transaction; the
// in-memory ledgers used in tests stage and discard, which is equivalent.
type TransferFunc func(payments []Payment) error

// EscrowLedger is the bookkeeping layer over the value-transfer substrate.
// It tracks the total value held in custody; held always equals the sum of
// outstanding obligations (open-bucket bid escrow plus unsettled trades at
// the clearing price).
type EscrowLedger struct {
	held     uint64
	transfer TransferFunc
}

func NewEscrowLedger(transfer TransferFunc) *EscrowLedger {
	return &EscrowLedger{transfer: transfer}
}

// Deposit records value received into custody with a bid.
func (l *EscrowLedger) Deposit(amount uint64) { l.held += amount }

// Held reports total value currently in custody.
func (l *EscrowLedger) Held() uint64 { return l.held }

// Pay releases a single payment from custody.
func (l *EscrowLedger) Pay(to string, amount uint64) error {
	return l.PayAll([]Payment{{To: to, Amount: amount}})
}

// PayAll releases a batch of payments from custody. Zero-amount entries are
// dropped, the batch is validated against held value, and the substrate is
// asked to apply it as one unit. Held is only decremented once the whole
// batch has succeeded, so a failure leaves the ledger's books unchanged and
// the caller aborts its operation with ErrLedgerFailure.
func (l *EscrowLedger) PayAll(payments []Payment) error {
	var (
		batch []Payment
		total uint64
	)
	for _, p := range payments {
		if p.Amount == 0 {
			continue
		}
		total += p.Amount
		batch = append(batch, p)
	}
	if total > l.held {
		return fmt.Errorf("%w: payout %d exceeds held %d", ErrLedgerFailure, total, l.held)
	}
	if len(batch) == 0 {
		return nil
	}
	if err := l.transfer(batch); err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerFailure, err)
	}
	l.held -= total
	return nil
}
