package db

import (
	"fmt"

	"ticketing/internal/model"

	"gorm.io/gorm"
)

// Models lists every table owned by the service, parents first.
var Models = []any{
	&model.User{},
	&model.Event{},
	&model.EventSetting{},
	&model.TicketType{},
	&model.Order{},
	&model.OrderItem{},
	&model.OrderItemCode{},
	&model.Payment{},
	&model.CheckinLog{},
}

// Migrate creates or updates all tables.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if err := conn.AutoMigrate(Models...); err != nil {
		return fmt.Errorf("db: migrate: %w", err)
	}
	return nil
}
