// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordStoreOp(t *testing.T) {
	before := testutil.ToFloat64(StoreErrors.WithLabelValues("upsert_test"))

	RecordStoreOp("upsert_test", 2*time.Millisecond, nil)
	if got := testutil.ToFloat64(StoreErrors.WithLabelValues("upsert_test")); got != before {
		t.Errorf("successful op counted as error: %v", got)
	}

	RecordStoreOp("upsert_test", 2*time.Millisecond, errors.New("disk I/O error"))
	if got := testutil.ToFloat64(StoreErrors.WithLabelValues("upsert_test")); got != before+1 {
		t.Errorf("StoreErrors = %v, want %v", got, before+1)
	}
}

func TestRecordSync(t *testing.T) {
	items := testutil.ToFloat64(SyncItemsProcessed)
	listErrors := testutil.ToFloat64(SyncErrors.WithLabelValues("list"))

	RecordSync(time.Second, 25, nil)
	if got := testutil.ToFloat64(SyncItemsProcessed); got != items+25 {
		t.Errorf("SyncItemsProcessed = %v, want %v", got, items+25)
	}
	if testutil.ToFloat64(SyncLastSuccess) == 0 {
		t.Error("SyncLastSuccess not set after a successful sweep")
	}

	RecordSync(time.Second, 0, errors.New("catalog unreachable"))
	if got := testutil.ToFloat64(SyncErrors.WithLabelValues("list")); got != listErrors+1 {
		t.Errorf("SyncErrors = %v, want %v", got, listErrors+1)
	}
}

func TestRecordAPIRequest(t *testing.T) {
	c := APIRequestsTotal.WithLabelValues("POST", "/api/v1/events", "202")
	before := testutil.ToFloat64(c)
	RecordAPIRequest("POST", "/api/v1/events", "202", 3*time.Millisecond)
	if got := testutil.ToFloat64(c); got != before+1 {
		t.Errorf("APIRequestsTotal = %v, want %v", got, before+1)
	}
}

func TestRecordCatalogRequest(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		result string
	}{
		{"success", nil, "success"},
		{"failure", errors.New("timeout"), "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := CatalogRequests.WithLabelValues("get_item", tt.result)
			before := testutil.ToFloat64(c)
			RecordCatalogRequest("get_item", tt.err)
			if got := testutil.ToFloat64(c); got != before+1 {
				t.Errorf("CatalogRequests{%s} = %v, want %v", tt.result, got, before+1)
			}
		})
	}
}
