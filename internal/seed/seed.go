// Package seed bootstraps a fresh database: a default organization with an
// admin user, and optionally the channels, chains, schedules and users
// described by a YAML fixtures file.
package seed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/d9705996/oncall/internal/model"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// DefaultOrganizationSlug names the organization created for the admin.
const DefaultOrganizationSlug = "default"

// AdminOptions configures the seed admin user.
type AdminOptions struct {
	Email    string
	Password string // if empty, a random password is generated
	// Out receives the generated password; nil means stdout.
	Out io.Writer
}

// EnsureAdmin creates the default organization and an admin user when the
// users table is empty. It is safe to call on every startup.
func EnsureAdmin(ctx context.Context, gdb *gorm.DB, opts AdminOptions, log *slog.Logger) error {
	gdb = gdb.WithContext(ctx)
	var count int64
	if err := gdb.Model(&model.User{}).Count(&count).Error; err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		log.Debug("seed admin already exists")
		return nil
	}

	password := opts.Password
	if password == "" {
		var err error
		if password, err = generatePassword(); err != nil {
			return fmt.Errorf("generate seed password: %w", err)
		}
		out := opts.Out
		if out == nil {
			out = os.Stdout
		}
		// printed exactly once, on the boot that creates the admin
		fmt.Fprintf(out, "[oncall] seed admin password: %s\n", password)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash seed password: %w", err)
	}

	return gdb.Transaction(func(tx *gorm.DB) error {
		org, err := ensureOrganization(tx, "Default", DefaultOrganizationSlug)
		if err != nil {
			return err
		}
		u := &model.User{
			OrganizationID: &org.ID,
			Email:          opts.Email,
			Username:       "admin",
			Name:           "Seed Admin",
			PasswordHash:   string(hash),
			Roles:          model.StringSlice{"Admin"},
		}
		if err := tx.Create(u).Error; err != nil {
			return fmt.Errorf("insert seed admin: %w", err)
		}
		log.Info("seed admin created", "email", opts.Email, "user_id", u.ID)
		return nil
	})
}

func ensureOrganization(tx *gorm.DB, name, slug string) (*model.Organization, error) {
	var org model.Organization
	if err := tx.Limit(1).Find(&org, "slug = ?", slug).Error; err != nil {
		return nil, fmt.Errorf("load organization: %w", err)
	}
	if org.ID != "" {
		return &org, nil
	}
	org = model.Organization{Name: name, Slug: slug}
	if err := tx.Create(&org).Error; err != nil {
		return nil, fmt.Errorf("create organization: %w", err)
	}
	return &org, nil
}

func generatePassword() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
