// seed-dev provisions a demo tenant for local development: client, roles with
// tiered approval limits, users, a funded account, beneficiaries, and a small
// purpose-code catalogue. Safe to rerun; existing rows are left alone.
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-dev
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/volopa/masspay_backend/config"
	"bitbucket.org/volopa/masspay_backend/models"
	"bitbucket.org/volopa/masspay_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

type seedUser struct {
	username string
	name     string
	role     string
}

func main() {
	clientId := flag.String("client", getenv("SEED_CLIENT_ID", "demo-payments"), "client_id for the demo tenant")
	balance := flag.String("balance", getenv("SEED_BALANCE", "100000"), "opening balance for the funding account")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable()

	openingBalance, err := decimal.NewFromString(*balance)
	if err != nil || openingBalance.IsNegative() {
		fmt.Fprintln(os.Stderr, "-balance must be a non-negative decimal")
		os.Exit(2)
	}

	ctx = utils.SetClientIdInContext(ctx, *clientId)
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Seed")

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := seedClient(tx, *clientId); err != nil {
			return err
		}
		roleIds, err := seedRoles(tx, *clientId)
		if err != nil {
			return err
		}
		if err := seedUsers(tx, *clientId, roleIds); err != nil {
			return err
		}
		if err := seedFundingAccount(tx, *clientId, openingBalance); err != nil {
			return err
		}
		if err := seedBeneficiaries(tx, *clientId); err != nil {
			return err
		}
		return seedPurposeCodes(tx)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Seeded demo tenant %q (password for all users: SEED_USER_PASSWORD or 'changeme')\n", *clientId)
}

func seedClient(tx *gorm.DB, clientId string) error {
	var count int64
	if err := tx.Model(&models.Client{}).Where("client_id = ?", clientId).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return tx.Create(&models.Client{
		ClientId: clientId,
		Name:     "Demo Payments Ltd",
		Country:  "GB",
		// Files at or above 10000 need two approvers.
		DualApprovalThreshold: decimal.NewFromInt(10000),
		IsActive:              utils.NewTrue(),
	}).Error
}

// seedRoles creates the tier table: clerks approve up to 1000 GBP,
// supervisors up to 10000, directors up to 100000.
func seedRoles(tx *gorm.DB, clientId string) (map[string]int, error) {
	tiers := []struct {
		name  string
		limit int64
	}{
		{"clerk", 1000},
		{"supervisor", 10000},
		{"director", 100000},
	}

	roleIds := make(map[string]int, len(tiers))
	for _, tier := range tiers {
		var role models.Role
		err := tx.Where("client_id = ? AND name = ?", clientId, tier.name).First(&role).Error
		if err == gorm.ErrRecordNotFound {
			role = models.Role{ClientId: clientId, Name: tier.name}
			if err := tx.Create(&role).Error; err != nil {
				return nil, err
			}
			for _, currency := range []string{"GBP", "EUR", "USD"} {
				roleId := role.ID
				limit := models.ApprovalLimit{
					ClientId: clientId,
					RoleId:   &roleId,
					Currency: currency,
					Limit:    decimal.NewFromInt(tier.limit),
				}
				if err := tx.Create(&limit).Error; err != nil {
					return nil, err
				}
			}
		} else if err != nil {
			return nil, err
		}
		roleIds[tier.name] = role.ID
	}
	return roleIds, nil
}

func seedUsers(tx *gorm.DB, clientId string, roleIds map[string]int) error {
	password := getenv("SEED_USER_PASSWORD", "changeme")
	hashed, err := utils.HashPassword(password)
	if err != nil {
		return err
	}

	users := []seedUser{
		{"demo.maker", "Demo Maker", "clerk"},
		{"demo.checker", "Demo Checker", "supervisor"},
		{"demo.director", "Demo Director", "director"},
	}
	for _, u := range users {
		var count int64
		if err := tx.Model(&models.User{}).Where("username = ?", u.username).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		user := models.User{
			ClientId: clientId,
			Username: u.username,
			Name:     u.name,
			Password: string(hashed),
			IsActive: utils.NewTrue(),
		}
		if err := tx.Create(&user).Error; err != nil {
			return err
		}
		if roleId, ok := roleIds[u.role]; ok {
			if err := tx.Exec("INSERT INTO user_roles (user_id, role_id) VALUES (?, ?)", user.ID, roleId).Error; err != nil {
				return err
			}
		}
	}
	return nil
}

func seedFundingAccount(tx *gorm.DB, clientId string, balance decimal.Decimal) error {
	var count int64
	if err := tx.Model(&models.FundingAccount{}).Where("client_id = ?", clientId).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return tx.Create(&models.FundingAccount{
		ClientId:         clientId,
		Name:             "Demo GBP Wallet",
		Currency:         "GBP",
		Balance:          balance,
		AvailableBalance: balance,
		ReservedBalance:  decimal.Zero,
		IsActive:         utils.NewTrue(),
	}).Error
}

func seedBeneficiaries(tx *gorm.DB, clientId string) error {
	var count int64
	if err := tx.Model(&models.Beneficiary{}).Where("client_id = ?", clientId).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	beneficiaries := []models.Beneficiary{
		{
			ClientId: clientId, Name: "Acme Supplies Ltd", Currency: "GBP", Country: "GB",
			SortCode: "20-00-00", AccountNumber: "12345678",
			Email: "accounts@acme.example", IsActive: utils.NewTrue(),
		},
		{
			ClientId: clientId, Name: "Beta Logistics GmbH", Currency: "EUR", Country: "DE",
			Iban:  "DE89370400440532013000",
			Email: "billing@beta.example", IsActive: utils.NewTrue(),
		},
		{
			ClientId: clientId, Name: "Gamma Traders Inc", Currency: "USD", Country: "US",
			SwiftCode: "CHASUS33", AccountNumber: "987654321",
			IsActive: utils.NewTrue(),
		},
	}
	return tx.Create(&beneficiaries).Error
}

func seedPurposeCodes(tx *gorm.DB) error {
	var count int64
	if err := tx.Model(&models.PurposeCode{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	codes := []models.PurposeCode{
		{Country: "IN", Currency: "INR", Code: "P0103", Description: "Freight on imports"},
		{Country: "IN", Currency: "INR", Code: "P1006", Description: "Business and management consultancy"},
		{Country: "IN", Currency: "INR", Code: "P0802", Description: "Software implementation"},
		{Country: "AE", Currency: "AED", Code: "GDS", Description: "Goods bought or sold"},
		{Country: "AE", Currency: "AED", Code: "SRV", Description: "Services rendered"},
	}
	return tx.Create(&codes).Error
}
