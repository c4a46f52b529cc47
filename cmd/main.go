package main

import (
	"fmt"
	"log"
	"os"

	"gorm.io/gorm"

	"github.com/prolinkhq/prolink-server/cmd/api"
	"github.com/prolinkhq/prolink-server/cmd/models"
	"github.com/prolinkhq/prolink-server/db"
)

func main() {
	database, err := db.NewPSQLStorage()
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "migrate":
			if err := runMigrations(database); err != nil {
				log.Fatalf("migration failed: %v", err)
			}
			fmt.Println("migrations completed")
			return
		case "clear-db":
			if err := clearDatabase(database); err != nil {
				log.Fatalf("clearing database failed: %v", err)
			}
			fmt.Println("database cleared")
			return
		default:
			log.Fatalf("unknown command: %s", os.Args[1])
		}
	}

	addr := os.Getenv("SERVER_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	server := api.NewAPIServer(addr, database)
	if err := server.Run(); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}

func runMigrations(database *gorm.DB) error {
	return database.AutoMigrate(
		&models.User{},
		&models.Conversation{},
		&models.Message{},
		&models.Availability{},
		&models.TimeSlot{},
		&models.Appointment{},
		&models.ProposedDate{},
		&models.Payment{},
		&models.PayoutEntry{},
		&models.StatusHistory{},
		&models.WebhookEvent{},
		&models.Device{},
		&models.NotificationHistory{},
	)
}

func clearDatabase(database *gorm.DB) error {
	tables := []string{
		"notification_histories",
		"devices",
		"webhook_events",
		"status_histories",
		"payout_entries",
		"payments",
		"proposed_dates",
		"appointments",
		"time_slots",
		"availabilities",
		"messages",
		"conversations",
		"users",
	}
	for _, table := range tables {
		if err := database.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", table)).Error; err != nil {
			return fmt.Errorf("dropping %s: %w", table, err)
		}
	}
	return nil
}
