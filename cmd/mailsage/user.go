package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailsage/internal/db"
	"github.com/foxzi/mailsage/internal/models"
	"github.com/foxzi/mailsage/internal/quota"
	"github.com/foxzi/mailsage/internal/repository"
)

var userEmail string

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Owner account commands",
}

var userSetRoleCmd = &cobra.Command{
	Use:   "set-role <owner_id> <role>",
	Short: "Create an owner or change its plan role",
	Args:  cobra.ExactArgs(2),
	RunE:  runUserSetRole,
}

var userShowCmd = &cobra.Command{
	Use:   "show <owner_id>",
	Short: "Show an owner and the limits of its plan",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserShow,
}

func init() {
	userSetRoleCmd.Flags().StringVar(&userEmail, "email", "", "Contact email of the owner")

	userCmd.AddCommand(userSetRoleCmd, userShowCmd)
	rootCmd.AddCommand(userCmd)
}

func openUsers() (*repository.UserRepository, *quota.Plans, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	plans, err := quota.NewPlans(cfg.Quota)
	if err != nil {
		return nil, nil, nil, err
	}

	database, err := db.Open(cfg.Database)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, nil, nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return repository.NewUserRepository(database), plans, func() { database.Close() }, nil
}

func runUserSetRole(cmd *cobra.Command, args []string) error {
	users, plans, closeDB, err := openUsers()
	if err != nil {
		return err
	}
	defer closeDB()

	id, role := args[0], args[1]
	if !slices.Contains(plans.Roles(), role) {
		return fmt.Errorf("unknown role %q (one of: %s)", role, strings.Join(plans.Roles(), ", "))
	}

	ctx := context.Background()
	u, err := users.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		u = &models.User{ID: id}
	} else if err != nil {
		return err
	}

	u.Role = role
	if userEmail != "" {
		u.Email = userEmail
	}

	if err := users.Upsert(ctx, u); err != nil {
		return err
	}

	fmt.Printf("Owner %s now has role %s\n", id, role)
	return nil
}

func runUserShow(cmd *cobra.Command, args []string) error {
	users, plans, closeDB, err := openUsers()
	if err != nil {
		return err
	}
	defer closeDB()

	role, err := users.Role(context.Background(), args[0])
	if err != nil {
		return err
	}

	shown := role
	if shown == "" {
		shown = quota.RoleFree + " (no account record)"
	}
	c := plans.For(role)

	fmt.Printf("Owner:             %s\n", args[0])
	fmt.Printf("Role:              %s\n", shown)
	fmt.Printf("Daily emails:      %s\n", limitString(c.DailyEmails))
	fmt.Printf("Max recipients:    %s\n", limitString(c.MaxRecipients))
	fmt.Printf("Webhook endpoints: %s\n", limitString(c.WebhookEndpoints))

	return nil
}

func limitString(v int) string {
	if v == quota.Unlimited {
		return "unlimited"
	}
	return fmt.Sprintf("%d", v)
}
