package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClient_UserByEmail(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch r.URL.Query().Get("email") {
		case "a@x.com":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id": 1, "email": "a@x.com", "username": "alice"}`))
		default:
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, time.Second)
	ctx := context.Background()

	u, err := c.UserByEmail(ctx, "a@x.com", "tok123")
	if err != nil {
		t.Fatalf("UserByEmail: %v", err)
	}
	if u.ID != 1 || u.Username != "alice" {
		t.Fatalf("got %+v", u)
	}
	if gotAuth != "Bearer tok123" {
		t.Fatalf("Authorization = %q, want Bearer tok123", gotAuth)
	}

	if _, err := c.UserByEmail(ctx, "ghost@x.com", "tok123"); err != ErrUserNotFound {
		t.Fatalf("err = %v, want ErrUserNotFound", err)
	}
}

func TestClient_UserByEmail_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, time.Second)
	_, err := c.UserByEmail(context.Background(), "a@x.com", "")
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want *UpstreamError", err)
	}
}

func TestClient_UserByEmail_MissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"email": "a@x.com"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, time.Second)
	_, err := c.UserByEmail(context.Background(), "a@x.com", "")
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("200 without id must be an upstream error, got %v", err)
	}
}

func TestClient_Users(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("all") != "true" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`[{"id":1,"username":"alice"},{"id":2,"username":"bob"}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, time.Second)
	users, err := c.Users(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Users: %v", err)
	}
	if len(users) != 2 || users[1].Username != "bob" {
		t.Fatalf("got %+v", users)
	}
}

func TestClient_Introspect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("userIdentifier") != "a@x.com" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"auth": true, "id": 1, "email": "a@x.com"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, time.Second)
	res, err := c.Introspect(context.Background(), "tok", "a@x.com")
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if !res.Auth || res.UserID != 1 {
		t.Fatalf("got %+v", res)
	}
}

func TestClient_TimeoutIsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, 20*time.Millisecond)
	_, err := c.UserByEmail(context.Background(), "a@x.com", "")
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("timeout err = %v, want *UpstreamError", err)
	}
}
