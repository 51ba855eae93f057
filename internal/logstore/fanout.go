package logstore

import "go.uber.org/multierr"

// fanOutWriter forwards every Append/UpdateCost call to each of its writers
// in order, aggregating every error via multierr rather than stopping at
// the first (spec §9: one append/update interface shared by the durable
// log and the live mirror, fanned out to both from a single call site).
type fanOutWriter []Writer

func fanOut(ws []Writer) Writer { return fanOutWriter(ws) }

func (f fanOutWriter) Append(row Row) error {
	var err error
	for _, w := range f {
		err = multierr.Append(err, w.Append(row))
	}
	return err
}

func (f fanOutWriter) UpdateCost(traceID string, u CostUpdate) error {
	var err error
	for _, w := range f {
		err = multierr.Append(err, w.UpdateCost(traceID, u))
	}
	return err
}
