package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"

	"github.com/go-playground/validator/v10"

	"github.com/Rushilwiz/director4/schema"
)

var validate = validator.New()

var siteIDRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,62}[a-z0-9])?$`)

func init() {
	_ = validate.RegisterValidation("siteid", func(fl validator.FieldLevel) bool {
		return siteIDRegex.MatchString(fl.Field().String())
	})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

// CreateSiteRequest creates a site definition.
type CreateSiteRequest struct {
	ID        string                `json:"id" validate:"required,siteid"`
	Owner     string                `json:"owner" validate:"required"`
	BaseImage string                `json:"base_image"`
	Packages  []string              `json:"packages" validate:"omitempty,dive,min=2"`
	Override  *QuotaOverrideRequest `json:"quota_override,omitempty"`
}

// UpdateSiteRequest patches a site definition. Nil fields are left
// untouched.
type UpdateSiteRequest struct {
	BaseImage *string               `json:"base_image,omitempty"`
	Packages  *[]string             `json:"packages,omitempty" validate:"omitempty,dive,min=2"`
	Override  *QuotaOverrideRequest `json:"quota_override,omitempty"`
	Desired   *string               `json:"desired_state,omitempty" validate:"omitempty,oneof=running stopped"`
}

// QuotaOverrideRequest raises a site's quota; it must carry approval.
type QuotaOverrideRequest struct {
	MemoryBytes int64  `json:"memory_bytes" validate:"omitempty,min=0"`
	NanoCPUs    int64  `json:"nano_cpus" validate:"omitempty,min=0"`
	ApprovedBy  string `json:"approved_by"`
}

func (q *QuotaOverrideRequest) toSchema() *schema.QuotaOverride {
	if q == nil {
		return nil
	}
	return &schema.QuotaOverride{
		MemoryBytes: q.MemoryBytes,
		NanoCPUs:    q.NanoCPUs,
		ApprovedBy:  q.ApprovedBy,
	}
}
