package bankfeed

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"concilia.dev/internal/reconcile"
)

var hundred = decimal.NewFromInt(100)

// ParseCSV reads an uploaded statement in the 4-column export format most
// internet-banking portals offer: date,amount,description,bank_ref. The
// amount column is in currency units ("1025.00", negative for debits) and
// converts to centavos. A header row is skipped when present.
func ParseCSV(r io.Reader) ([]reconcile.NormalizedMovement, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var out []reconcile.NormalizedMovement
	line := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		line++

		if line == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "date") {
			continue
		}
		if len(rec) < 3 {
			return nil, fmt.Errorf("line %d: expected at least 3 columns, got %d", line, len(rec))
		}

		day, err := time.Parse("2006-01-02", strings.TrimSpace(rec[0]))
		if err != nil {
			return nil, fmt.Errorf("line %d: bad date %q", line, rec[0])
		}
		value, err := decimal.NewFromString(strings.TrimSpace(rec[1]))
		if err != nil {
			return nil, fmt.Errorf("line %d: bad amount %q", line, rec[1])
		}

		mov := reconcile.NormalizedMovement{
			Date:        day,
			Amount:      value.Mul(hundred).Round(0).IntPart(),
			Description: strings.TrimSpace(rec[2]),
		}
		if len(rec) > 3 {
			mov.BankRef = strings.TrimSpace(rec[3])
		}
		out = append(out, mov)
	}
	return out, nil
}
