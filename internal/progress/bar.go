package progress

import (
	"github.com/pterm/pterm"
)

// Bar wraps a pterm progress bar for countable work — walking a known
// number of ref tips, rewriting a known number of packs, copying a known
// object count — as opposed to Spinner's indeterminate animation for a
// single blocking call (a remote handshake) with no count to report.
type Bar struct {
	printer *pterm.ProgressbarPrinter
}

// NewBar starts a progress bar titled label, tracking total units of work.
// Like Spinner, it is silent outside a terminal: pterm's printer already
// no-ops when stdout isn't a TTY, so no extra IsTerminal check is needed
// here the way Spinner needs one for its hand-rolled animation.
func NewBar(label string, total int) (*Bar, error) {
	printer, err := pterm.DefaultProgressbar.
		WithTotal(total).
		WithTitle(label).
		WithRemoveWhenDone(true).
		Start()
	if err != nil {
		return nil, err
	}
	return &Bar{printer: printer}, nil
}

// Advance increments the bar by n units.
func (b *Bar) Advance(n int) {
	b.printer.Add(n)
}

// Stop finishes the bar, clearing its line.
func (b *Bar) Stop() {
	_, _ = b.printer.Stop()
}
