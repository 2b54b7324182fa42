// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package subscription

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"grimm.is/devicewall/internal/config"
	"grimm.is/devicewall/internal/errors"
)

func TestGetUserParsesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret-token" {
			t.Errorf("missing bearer token: %s", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`{"response":{"uuid":"abc-123","hwidDeviceLimit":3,"status":"active"}}`))
	}))
	defer srv.Close()

	c := New(&config.SubscriptionAPI{BaseURL: srv.URL, Token: "secret-token", TimeoutMS: 1000})
	u, err := c.ResolveUser(context.Background(), "1042")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.UUID != "abc-123" || u.HWIDDeviceLimit != 3 {
		t.Errorf("unexpected user: %+v", u)
	}
}

func TestGetUserNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(&config.SubscriptionAPI{BaseURL: srv.URL, TimeoutMS: 1000})
	_, err := c.ResolveUser(context.Background(), "missing")
	if errors.GetKind(err) != errors.KindNotFound {
		t.Errorf("expected KindNotFound, got %v", errors.GetKind(err))
	}
}

func TestGetUserCollapsesConcurrentLookups(t *testing.T) {
	var calls int64
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		// Hold the first request open so the other lookups arrive while
		// it is still in flight.
		<-release
		w.Write([]byte(`{"response":{"uuid":"abc-123","hwidDeviceLimit":3}}`))
	}))
	defer srv.Close()

	c := New(&config.SubscriptionAPI{BaseURL: srv.URL, TimeoutMS: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.ResolveUser(context.Background(), "1042"); err != nil {
				t.Errorf("get user: %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if atomic.LoadInt64(&calls) == 0 {
		t.Fatal("expected at least one call")
	}
	if n := atomic.LoadInt64(&calls); n >= 10 {
		t.Fatalf("expected concurrent lookups to share in-flight calls, got %d upstream calls for 10 lookups", n)
	}
}

func TestDisableEnable(t *testing.T) {
	var gotDisable, gotEnable bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/users/abc-123/actions/disable":
			gotDisable = true
		case "/api/users/abc-123/actions/enable":
			gotEnable = true
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(&config.SubscriptionAPI{BaseURL: srv.URL, TimeoutMS: 1000})
	if err := c.Disable(context.Background(), "abc-123"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := c.Enable(context.Background(), "abc-123"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if !gotDisable || !gotEnable {
		t.Errorf("expected both disable and enable to be called: disable=%v enable=%v", gotDisable, gotEnable)
	}
}
