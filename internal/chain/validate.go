package chain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("segment", func(fl validator.FieldLevel) bool {
		return isPathSegment(fl.Field().String())
	}); err != nil {
		panic(fmt.Sprintf("registering segment validator: %v", err))
	}
	return v
}

// AddBackupRequest is what the backup execution engine reports after a backup
// completed successfully.
type AddBackupRequest struct {
	BackupID          string     `json:"backup_id" validate:"required,segment"`
	Type              BackupType `json:"type" validate:"required,oneof=full incremental"`
	Mode              Mode       `json:"mode" validate:"required,oneof=full-snapshot block-diff"`
	Timestamp         time.Time  `json:"timestamp" validate:"required"`
	ChangeToken       string     `json:"change_token,omitempty"`
	SizeBytes         int64      `json:"size_bytes" validate:"min=0"`
	Files             []string   `json:"files,omitempty"`
	BaseBackupID      string     `json:"base_backup_id,omitempty" validate:"required_if=Type incremental,excluded_if=Type full"`
	ChangedBlockCount int64      `json:"changed_block_count,omitempty" validate:"min=0"`
	IntegrityVerified bool       `json:"integrity_verified,omitempty"`
}

// Validate checks the per-type required fields.
func (r *AddBackupRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidBackup, describe(err))
	}
	return nil
}

// ValidatePolicy checks that a retention policy can be applied.
func ValidatePolicy(p RetentionPolicy) error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidPolicy, describe(err))
	}
	return nil
}

// describe renders validator errors as "field: rule" pairs.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s fails %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s fails %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
