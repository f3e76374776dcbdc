// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

package api

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/mfaulds/waypost/internal/events"
)

// newValidator builds the request validator with the shipment_status rule
// registered. The status lifecycle is a closed set; anything outside it is a
// client error, not a new status.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// RegisterValidation only fails for an empty tag name.
	_ = v.RegisterValidation("shipment_status", func(fl validator.FieldLevel) bool {
		return events.IsValidStatus(fl.Field().String())
	})
	return v
}

// validationMessage flattens validator errors into a single operator-readable
// message.
func validationMessage(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fmt.Sprintf("%s is required", strings.ToLower(fe.Field())))
		case "shipment_status":
			parts = append(parts, fmt.Sprintf("%q is not a valid shipment status", fe.Value()))
		case "max":
			parts = append(parts, fmt.Sprintf("%s exceeds %s characters", strings.ToLower(fe.Field()), fe.Param()))
		case "oneof":
			parts = append(parts, fmt.Sprintf("%s must be one of: %s", strings.ToLower(fe.Field()), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s is invalid", strings.ToLower(fe.Field())))
		}
	}
	return strings.Join(parts, "; ")
}
