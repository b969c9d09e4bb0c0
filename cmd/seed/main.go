package main

import (
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"

	"github.com/aegisd/aegis/internal/config"
	"github.com/aegisd/aegis/internal/database"
	"github.com/aegisd/aegis/internal/models"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.Incident{},
		&models.OffenseHistory{},
		&models.BlockedIP{},
		&models.WhitelistEntry{},
		&models.User{},
	); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}

	fmt.Println("✓ Database migrated successfully")

	email := getenv("AEGIS_ADMIN_EMAIL", "admin@localhost")
	password := getenv("AEGIS_ADMIN_PASSWORD", "changeme123")

	var count int64
	db.Model(&models.User{}).Where("email = ?", email).Count(&count)
	if count == 0 {
		admin := models.User{
			UUID:    uuid.NewString(),
			Email:   email,
			Name:    "Administrator",
			Role:    "admin",
			Enabled: true,
		}
		if err := admin.SetPassword(password); err != nil {
			log.Fatal("Failed to hash admin password:", err)
		}
		if err := db.Create(&admin).Error; err != nil {
			log.Fatal("Failed to create admin user:", err)
		}
		fmt.Printf("✓ Admin user created (%s)\n", email)
	} else {
		fmt.Printf("✓ Admin user already exists (%s)\n", email)
	}

	// Loopback traffic must never be blocked, even in local setups.
	defaults := []models.WhitelistEntry{
		{IP: "127.0.0.1", Label: "IPv4 loopback", Category: models.WhitelistCategoryInternal, AddedBy: "seed", IsActive: true},
		{IP: "::1", Label: "IPv6 loopback", Category: models.WhitelistCategoryInternal, AddedBy: "seed", IsActive: true},
		{IP: "10.0.0.0/8", Label: "Internal network", Category: models.WhitelistCategoryInternal, AddedBy: "seed", IsActive: true},
	}
	for _, entry := range defaults {
		var existing int64
		db.Model(&models.WhitelistEntry{}).Where("ip = ? AND is_active = ?", entry.IP, true).Count(&existing)
		if existing == 0 {
			if err := db.Create(&entry).Error; err != nil {
				log.Fatal("Failed to seed whitelist entry:", err)
			}
			fmt.Printf("✓ Whitelisted %s (%s)\n", entry.IP, entry.Label)
		}
	}

	fmt.Println("✓ Seed complete")
}

func getenv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
