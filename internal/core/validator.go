package core

import (
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"firmdesk/internal/types"
)

// errCodeValidationFailed is the generic code for struct-level validation
// failures at the request boundary. Per-field problems are reported in the
// error details; domain-specific validation (quantity, cycle) happens in the
// billing package with its own codes.
const errCodeValidationFailed types.ErrorCode = "validation_failed"

// Validator wraps go-playground/validator and registers domain-specific
// rules for request payloads.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator with FirmDesk's custom validation tags
// registered:
//   - billing_cycle: value must be "monthly" or "yearly".
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}

	v := validator.New(validator.WithRequiredStructEnabled())

	// Report field names from json tags so error details match the wire
	// contract instead of Go field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// billing_cycle accepts the two supported cycles. Empty values are left
	// to the required tag so optional fields stay optional.
	_ = v.RegisterValidation("billing_cycle", func(fl validator.FieldLevel) bool {
		val := fl.Field().String()
		if val == "" {
			return true
		}
		return types.BillingCycle(val).Valid()
	})

	return &Validator{validate: v, logger: logger}
}

// ValidateStruct validates a request payload struct against its validate
// tags. On failure it returns a *types.AppError with code
// "validation_failed" (400) and a per-field breakdown in the details map.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		// InvalidValidationError: the caller passed a non-struct.
		return types.NewAppError(types.ErrCodeInternalUnexpected, "invalid value passed to validator", err)
	}

	fields := make(map[string]any, len(validationErrs))
	for _, fe := range validationErrs {
		fields[fe.Field()] = describeFieldError(fe)
	}

	return types.NewAppErrorWithDetails(
		errCodeValidationFailed,
		"request validation failed",
		err,
		map[string]any{"fields": fields},
	)
}

// describeFieldError renders a single field error as a short human-readable
// message without leaking struct internals.
func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "email":
		return "must be a valid email address"
	case "billing_cycle":
		return "must be one of: monthly, yearly"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "uuid":
		return "must be a valid UUID"
	default:
		return "failed validation rule: " + fe.Tag()
	}
}
