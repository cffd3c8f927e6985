package httptp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	eventbus "github.com/hanpama/pollgraph/internal/eventbus"
	events "github.com/hanpama/pollgraph/internal/events"
	language "github.com/hanpama/pollgraph/internal/language"
	queryid "github.com/hanpama/pollgraph/internal/queryid"
)

func mustParseQuery(t *testing.T, q string) *language.QueryDocument {
	t.Helper()
	d, err := language.ParseQuery(q)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	return d
}

func TestExecute_PostsJSON(t *testing.T) {
	var got request
	var method string
	var header http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		header = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"user":{"name":"Ada"}}}`))
	}))
	defer srv.Close()

	doc := mustParseQuery(t, `query Q($id: ID!) { user(id: $id) { name } }`)
	tp := New(srv.URL, WithHeader("Authorization", "Bearer t"))
	ctx := queryid.NewContext(context.Background(), 42)
	res, err := tp.Execute(ctx, doc, "Q", map[string]any{"id": "1"})
	require.NoError(t, err)

	want := request{Query: language.Format(doc), OperationName: "Q", Variables: map[string]any{"id": "1"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("request mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]any{"user": map[string]any{"name": "Ada"}}, res.Data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
	require.Empty(t, res.Errors)
	require.Equal(t, http.MethodPost, method)
	require.Equal(t, "application/json", header.Get("Content-Type"))
	require.Equal(t, "Bearer t", header.Get("Authorization"))
	require.Equal(t, "42", header.Get(HeaderQueryID))
	require.NotEmpty(t, header.Get(HeaderRequestID))
}

func TestExecute_GraphQLErrorsAreResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":null,"errors":[{"message":"not allowed","path":["user"]}]}`))
	}))
	defer srv.Close()

	res, err := New(srv.URL).Execute(context.Background(), mustParseQuery(t, `{ user { name } }`), "", nil)
	require.NoError(t, err)
	require.Nil(t, res.Data)
	require.Len(t, res.Errors, 1)
	require.Equal(t, "not allowed", res.Errors[0].Message)
}

func TestExecute_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, strings.Repeat("x", 2*bodyPreview), http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Execute(context.Background(), mustParseQuery(t, `{ a }`), "", nil)
	var serr *StatusError
	require.True(t, errors.As(err, &serr), "got %v", err)
	require.Equal(t, http.StatusBadGateway, serr.StatusCode)
	require.Len(t, serr.Body, bodyPreview)
}

func TestExecute_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Execute(context.Background(), mustParseQuery(t, `{ a }`), "", nil)
	require.ErrorContains(t, err, "decode response")
}

func TestExecute_ResponseTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"a":"` + strings.Repeat("y", 64) + `"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, WithMaxResponseBytes(16)).Execute(context.Background(), mustParseQuery(t, `{ a }`), "", nil)
	require.ErrorIs(t, err, ErrResponseTooLarge)
}

func TestExecute_DefaultTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	_, err := New(srv.URL, WithTimeout(20*time.Millisecond)).Execute(context.Background(), mustParseQuery(t, `{ a }`), "", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestExecute_NilDocument(t *testing.T) {
	_, err := New("http://127.0.0.1:0").Execute(context.Background(), nil, "", nil)
	require.Error(t, err)
}

func TestExecute_PublishesEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	bus := eventbus.New()
	eventbus.Use(bus)
	defer eventbus.Use(nil)

	var start events.HTTPClientStart
	var finish events.HTTPClientFinish
	eventbus.On(bus, func(_ context.Context, e events.HTTPClientStart) { start = e })
	eventbus.On(bus, func(_ context.Context, e events.HTTPClientFinish) { finish = e })

	_, err := New(srv.URL).Execute(context.Background(), mustParseQuery(t, `query Q { a }`), "Q", nil)
	require.Error(t, err)
	require.Equal(t, srv.URL, start.Endpoint)
	require.Equal(t, "Q", start.OperationName)
	require.Equal(t, start.RequestID, finish.RequestID)
	require.Equal(t, http.StatusTeapot, finish.Status)
	require.Equal(t, err, finish.Err)
}
