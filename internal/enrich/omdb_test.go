// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package enrich

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/herald/internal/config"
	"github.com/tomtom215/herald/internal/models"
)

func movie(imdb string) *models.MediaItem {
	m := &models.MediaItem{ID: "m1", Kind: "Movie", Name: "Dune"}
	if imdb != "" {
		m.Attributes.ExternalIDs = map[string]string{"Imdb": imdb}
	}
	return m
}

func newOMDb(t *testing.T, h http.HandlerFunc) (*OMDb, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return NewOMDb(config.EnrichmentConfig{
		Enabled: true, OMDbAPIKey: "key", OMDbURL: srv.URL + "/",
		Timeout: 200 * time.Millisecond, CacheSize: 10, CacheTTL: time.Minute,
	}), &calls
}

func TestOMDb_EnrichAndCache(t *testing.T) {
	o, calls := newOMDb(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("i") != "tt1160419" || r.URL.Query().Get("apikey") != "key" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"Response":"True","imdbRating":"8.0","Metascore":"N/A","Genre":"Sci-Fi","Plot":"Spice.",
			"Ratings":[{"Source":"Rotten Tomatoes","Value":"83%"}]}`))
	})

	for i := 0; i < 2; i++ {
		e := o.Enrich(context.Background(), movie("tt1160419"))
		if e == nil {
			t.Fatal("no enrichment")
		}
		if e.IMDbRating != "8.0/10" || e.RottenTomatoes != "83%" || e.Metascore != "" || e.Genre != "Sci-Fi" {
			t.Errorf("enrichment = %+v", e)
		}
	}
	if n := atomic.LoadInt32(calls); n != 1 {
		t.Errorf("OMDb called %d times, want 1", n)
	}
}

func TestOMDb_FailuresYieldNil(t *testing.T) {
	tests := []struct {
		name string
		h    http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(500) }},
		{"bad json", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("{")) }},
		{"unknown id", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"Response":"False","Error":"Incorrect IMDb ID."}`))
		}},
		{"timeout", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, _ := newOMDb(t, tt.h)
			if e := o.Enrich(context.Background(), movie("tt0000001")); e != nil {
				t.Errorf("enrichment = %+v, want nil", e)
			}
		})
	}
}

func TestOMDb_SkipsWithoutIMDbID(t *testing.T) {
	o, calls := newOMDb(t, func(http.ResponseWriter, *http.Request) {})
	if e := o.Enrich(context.Background(), movie("")); e != nil {
		t.Errorf("enrichment = %+v", e)
	}
	if atomic.LoadInt32(calls) != 0 {
		t.Error("OMDb called without an IMDb id")
	}
}

func TestNew_Disabled(t *testing.T) {
	if _, ok := New(config.EnrichmentConfig{Enabled: false, OMDbAPIKey: "k"}).(Nop); !ok {
		t.Error("disabled enrichment should be Nop")
	}
}
