package refno

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Store lists existing reference numbers by prefix.
type Store interface {
	ReferenceNumbersWithPrefix(ctx context.Context, tx *sql.Tx, prefix string) ([]string, error)
}

type Generator struct {
	Store    Store
	Category string
}

// Prefix returns "{company}-HSE-{category}-{YYYYMMDD}-".
func Prefix(companyCode, category string, day time.Time) string {
	return fmt.Sprintf("%s-HSE-%s-%s-", companyCode, category, day.Format("20060102"))
}

// Format renders a reference number with a zero-padded two-digit suffix.
func Format(companyCode, category string, day time.Time, seq int) string {
	return fmt.Sprintf("%s%02d", Prefix(companyCode, category, day), seq)
}

// Next returns the next sequential reference for the company on day. It must run
// inside the transaction that inserts the form so concurrent submits cannot collide.
func (g Generator) Next(ctx context.Context, tx *sql.Tx, companyCode string, day time.Time) (string, error) {
	if strings.TrimSpace(companyCode) == "" {
		return "", errors.New("company code required")
	}
	prefix := Prefix(companyCode, g.Category, day)
	existing, err := g.Store.ReferenceNumbersWithPrefix(ctx, tx, prefix)
	if err != nil {
		return "", errors.Wrap(err, "query reference numbers")
	}
	return Format(companyCode, g.Category, day, highestSuffix(prefix, existing)+1), nil
}

func highestSuffix(prefix string, refs []string) int {
	max := 0
	for _, ref := range refs {
		n, err := strconv.Atoi(strings.TrimPrefix(ref, prefix))
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return max
}
