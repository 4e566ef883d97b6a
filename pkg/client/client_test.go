package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCreateProjectAndDeploy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/project":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["gitUrl"] != "https://github.com/x/y" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"GitURL is required"}`))
				return
			}
			w.WriteHeader(http.StatusCreated)
			fmt.Fprintf(w, `{"status":"success","data":{"project":{"id":"p1","name":%q,"gitUrl":%q,"slug":"brave-lion"}}}`, body["name"], body["gitUrl"])
		case r.Method == http.MethodPost && r.URL.Path == "/deploy":
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"status":"queued","data":{"deploymentId":"d1"}}`))
		case r.URL.Path == "/deployments/d1":
			_, _ = w.Write([]byte(`{"id":"d1","projectId":"p1","status":"READY"}`))
		case r.URL.Path == "/logs/d1":
			if r.URL.Query().Get("limit") != "10" {
				t.Errorf("limit not forwarded: %q", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`{"logs":[{"event_id":"e1","deployment_id":"d1","log":"Cloning..."}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"Project not found"}`))
		}
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	project, err := c.CreateProject(ctx, "demo", "https://github.com/x/y")
	if err != nil || project.Slug != "brave-lion" || project.Name != "demo" {
		t.Fatalf("CreateProject = %+v, %v", project, err)
	}
	if _, err := c.CreateProject(ctx, "demo", ""); err == nil {
		t.Fatal("expected validation error")
	} else {
		var apiErr APIError
		if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest || apiErr.Message != "GitURL is required" {
			t.Fatalf("unexpected error %v", err)
		}
	}

	id, err := c.Deploy(ctx, project.ID)
	if err != nil || id != "d1" {
		t.Fatalf("Deploy = %q, %v", id, err)
	}
	dep, err := c.GetDeployment(ctx, id)
	if err != nil || !dep.Terminal() {
		t.Fatalf("GetDeployment = %+v, %v", dep, err)
	}
	logs, err := c.FetchLogs(ctx, id, 10)
	if err != nil || len(logs) != 1 || logs[0].Log != "Cloning..." {
		t.Fatalf("FetchLogs = %+v, %v", logs, err)
	}
	if _, err := c.GetProject(ctx, "missing"); err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected 404 error, got %v", err)
	}
}

func TestReadEvents(t *testing.T) {
	stream := "event: message\ndata: first\n\n: ping\n\nevent: message\ndata: multi\ndata: line\n\n"
	var got []string
	err := readEvents(strings.NewReader(stream), func(line string) error {
		got = append(got, line)
		return nil
	})
	if err != nil {
		t.Fatalf("readEvents: %v", err)
	}
	if len(got) != 2 || got[0] != "first" || got[1] != "multi\nline" {
		t.Fatalf("unexpected events %q", got)
	}

	stop := errors.New("stop")
	err = readEvents(strings.NewReader(stream), func(string) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("expected callback error, got %v", err)
	}
}

func TestNewNormalisesBaseURL(t *testing.T) {
	c, err := New("api.local:9000/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.baseURL != "http://api.local:9000" {
		t.Fatalf("unexpected base url %q", c.baseURL)
	}
	c, _ = New("")
	if c.baseURL != DefaultBaseURL {
		t.Fatalf("unexpected default %q", c.baseURL)
	}
}
