// Package dbtest opens migrated in-memory databases and seeds fixtures for package tests.
package dbtest

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"ticketing/internal/db"
	"ticketing/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var seq atomic.Int64

// Open returns a fresh migrated in-memory SQLite database closed at test cleanup.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:ticketing_test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), seq.Add(1))
	conn, err := db.Open(dsn)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(conn))
	t.Cleanup(func() {
		if sqlDB, errDB := conn.DB(); errDB == nil {
			_ = sqlDB.Close()
		}
	})
	return conn
}

// User inserts a buyer.
func User(t testing.TB, conn *gorm.DB, email string) model.User {
	t.Helper()
	u := model.User{Email: email, Name: email}
	require.NoError(t, conn.Create(&u).Error)
	return u
}

// Event inserts an event starting at start.
func Event(t testing.TB, conn *gorm.DB, start time.Time) model.Event {
	t.Helper()
	e := model.Event{OrganizationID: 1, Title: "Concert", StartDate: start.UTC()}
	require.NoError(t, conn.Create(&e).Error)
	return e
}

// TicketType inserts an ACTIVE ticket type with the given price and capacity.
func TicketType(t testing.TB, conn *gorm.DB, eventID uint, price int64, total int) model.TicketType {
	t.Helper()
	tt := model.TicketType{
		EventID:  eventID,
		Name:     "General",
		Price:    decimal.NewFromInt(price),
		TotalQty: total,
		Status:   model.TicketActive,
	}
	require.NoError(t, conn.Create(&tt).Error)
	return tt
}

// Reload reads the ticket type counters back from storage.
func Reload(t testing.TB, conn *gorm.DB, ticketTypeID uint) model.TicketType {
	t.Helper()
	var tt model.TicketType
	require.NoError(t, conn.First(&tt, ticketTypeID).Error)
	return tt
}
