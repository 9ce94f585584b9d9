// Package contract defines how the validator obtains the outcome of a
// contract call. Executing contracts is the job of a separate sandbox; the
// validator only needs the outcome to check the finish transaction that
// settles a start transaction.
package contract

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/thanhnp/ledger-core/internal/models"
)

// ErrEmulation is returned when a call cannot be emulated at all.
var ErrEmulation = errors.New("contract emulation failed")

// Outcome is the result of executing a contract call.
type Outcome struct {
	Status models.ContractStatus

	// Movements are the outputs the finish transaction must pay.
	Movements []models.TxOutput

	// Diff is the storage diff the finish transaction must carry.
	Diff []byte
}

// Emulator executes a contract call described by a start transaction.
// Implementations must be deterministic and safe for concurrent use.
type Emulator interface {
	Emulate(start *models.Transaction, call *models.ContractStart) (*Outcome, error)
}

// EmulatorFunc adapts a function to the Emulator interface.
type EmulatorFunc func(start *models.Transaction, call *models.ContractStart) (*Outcome, error)

// Emulate calls f.
func (f EmulatorFunc) Emulate(start *models.Transaction,
	call *models.ContractStart) (*Outcome, error) {

	return f(start, call)
}

// Passthrough succeeds every call without moving funds or touching storage.
type Passthrough struct{}

// Emulate returns an empty successful outcome.
func (Passthrough) Emulate(*models.Transaction, *models.ContractStart) (*Outcome, error) {
	return &Outcome{Status: models.ContractSucceeded}, nil
}

// Matches reports whether a finish transaction settles the outcome: same
// status, same storage diff and exactly the expected outputs in order.
func (o *Outcome) Matches(finish *models.ContractFinish, outputs []models.TxOutput) error {
	if finish.Status != o.Status {
		return fmt.Errorf("status %d, emulated %d", finish.Status, o.Status)
	}
	if !bytes.Equal(finish.Diff, o.Diff) {
		return errors.New("storage diff differs from emulation")
	}
	if len(outputs) != len(o.Movements) {
		return fmt.Errorf("%d outputs, emulated %d movements", len(outputs), len(o.Movements))
	}
	for i := range outputs {
		if outputs[i] != o.Movements[i] {
			return fmt.Errorf("output %d differs from emulated movement", i)
		}
	}
	return nil
}
