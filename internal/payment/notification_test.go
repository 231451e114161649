package payment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionTimeUsesBankLocation(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		loc  *time.Location
		want time.Time
	}{
		{"bank local", "2026-03-01 10:05:00", DefaultBankLocation, time.Date(2026, 3, 1, 3, 5, 0, 0, time.UTC)},
		{"configured zone", "2026-03-01 10:05:00", time.FixedZone("X", -5*60*60), time.Date(2026, 3, 1, 15, 5, 0, 0, time.UTC)},
		{"explicit offset wins", "2026-03-01T10:05:00Z", DefaultBankLocation, time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Notification{TransactionDate: tc.raw}.transactionTime(tc.loc)
			require.NotNil(t, got)
			assert.True(t, tc.want.Equal(*got), "got %s", got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}

	assert.Nil(t, Notification{TransactionDate: "yesterday"}.transactionTime(DefaultBankLocation))
	assert.Nil(t, Notification{}.transactionTime(DefaultBankLocation))
}
