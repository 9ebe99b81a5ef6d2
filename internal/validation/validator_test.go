// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package validation

import (
	"strings"
	"testing"
)

type eventPayload struct {
	Event  string `json:"event" validate:"required,oneof=added deleted"`
	ItemID string `json:"item_id" validate:"itemid"`
	Limit  int    `json:"limit" validate:"gte=0,lte=50"`
	Name   string `json:"name" validate:"max=5"`
}

func TestGetValidator_Singleton(t *testing.T) {
	if GetValidator() != GetValidator() {
		t.Error("GetValidator() should return the same instance")
	}
}

func TestValidateStruct(t *testing.T) {
	tests := []struct {
		name       string
		in         eventPayload
		wantFields []string
	}{
		{"valid", eventPayload{Event: "added", ItemID: "a1b2c3"}, nil},
		{"missing event", eventPayload{ItemID: "x"}, []string{"event"}},
		{"bad event", eventPayload{Event: "renamed", ItemID: "x"}, []string{"event"}},
		{"empty id", eventPayload{Event: "deleted"}, []string{"item_id"}},
		{"id with space", eventPayload{Event: "deleted", ItemID: "a b"}, []string{"item_id"}},
		{"too long id", eventPayload{Event: "deleted", ItemID: strings.Repeat("a", 129)}, []string{"item_id"}},
		{"several", eventPayload{Limit: 99, Name: "toolong"}, []string{"event", "item_id", "limit", "name"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStruct(&tt.in)
			if tt.wantFields == nil {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected validation error")
			}
			got := make([]string, 0, len(err.Errors()))
			for _, fe := range err.Errors() {
				got = append(got, fe.Field())
			}
			if strings.Join(got, ",") != strings.Join(tt.wantFields, ",") {
				t.Errorf("fields = %v, want %v", got, tt.wantFields)
			}
		})
	}
}

func TestToAPIError(t *testing.T) {
	err := ValidateStruct(&eventPayload{Event: "added", ItemID: "ok", Name: "abcdefg"})
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr := err.ToAPIError()
	if apiErr.Code != "VALIDATION_ERROR" {
		t.Errorf("code = %s", apiErr.Code)
	}
	if apiErr.Message != "name must be at most 5 characters" {
		t.Errorf("message = %q", apiErr.Message)
	}
}
