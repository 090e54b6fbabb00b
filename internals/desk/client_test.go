package desk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

type recorded struct {
	mu    sync.Mutex
	calls map[string]map[string]any
}

func (r *recorded) store(path string, body map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[path] = body
}

func (r *recorded) get(path string) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[path]
}

func newTestServer(t *testing.T) (*httptest.Server, *recorded) {
	t.Helper()
	rec := &recorded{calls: map[string]map[string]any{}}

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			user, pass, ok := req.BasicAuth()
			if !ok || user != "admin" || pass != "booberry" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, req)
		})
	})
	record := func(w http.ResponseWriter, req *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(req.Body).Decode(&body)
		rec.store(req.URL.Path, body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}
	r.Route("/api", func(r chi.Router) {
		r.Get("/settings", func(w http.ResponseWriter, req *http.Request) {
			_, _ = w.Write([]byte(`{"theme":"dark"}`))
		})
		r.Get("/project/tasks", func(w http.ResponseWriter, req *http.Request) {
			if req.URL.Query().Get("projectDir") != "/proj" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`[{"id":"a","name":"old"},{"id":"b"}]`))
		})
		r.Post("/project/tasks/new", func(w http.ResponseWriter, req *http.Request) {
			var body map[string]any
			_ = json.NewDecoder(req.Body).Decode(&body)
			rec.store(req.URL.Path, body)
			_, _ = w.Write([]byte(`{"id":"task-42","name":"Prompt #1"}`))
		})
		r.Post("/run-prompt", func(w http.ResponseWriter, req *http.Request) {
			var body map[string]any
			_ = json.NewDecoder(req.Body).Decode(&body)
			rec.store(req.URL.Path, body)
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(strings.Repeat("x", 500)))
		})
		r.Post("/project/interrupt", func(w http.ResponseWriter, req *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`task not found`))
		})
		for _, path := range []string{
			"/project/add-open",
			"/project/set-active",
			"/project/settings/edit-formats",
			"/project/settings/update",
			"/project/tasks/delete",
			"/project/settings/main-model",
			"/project/tasks",
			"/add-context-file",
			"/project/answer-question",
		} {
			r.Post(path, record)
		}
	})

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server, rec
}

func newTestClient(server *httptest.Server) *Client {
	return NewClient(
		WithBaseURL(server.URL+"/"),
		WithHTTPClient(server.Client()),
		WithBasicAuth("admin", "booberry"),
		WithProjectDir("/proj"),
	)
}

func TestClientHealth(t *testing.T) {
	server, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := newTestClient(server).Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}

	unauthorized := NewClient(WithBaseURL(server.URL), WithHTTPClient(server.Client()))
	err := unauthorized.Health(ctx)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 APIError, got %v", err)
	}
}

func TestClientTaskLifecycle(t *testing.T) {
	server, rec := newTestServer(t)
	client := newTestClient(server)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tasks, err := client.ListTasks(ctx)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != "a" {
		t.Fatalf("unexpected tasks %+v", tasks)
	}

	id, err := client.CreateTask(ctx, "Prompt #1 - 10:00:00")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if id != "task-42" {
		t.Fatalf("unexpected task id %q", id)
	}
	created := rec.get("/api/project/tasks/new")
	if created["activate"] != true || created["projectDir"] != "/proj" {
		t.Fatalf("unexpected create payload %+v", created)
	}

	if err := client.UpdateTask(ctx, id, TaskUpdates{AutoApprove: true, CurrentMode: ModeAgent}); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	updates, _ := rec.get("/api/project/tasks")["updates"].(map[string]any)
	if updates["autoApprove"] != true || updates["currentMode"] != "agent" {
		t.Fatalf("unexpected updates %+v", updates)
	}

	if err := client.AddContextFile(ctx, id, "/proj/src/calculate_pi.rb"); err != nil {
		t.Fatalf("AddContextFile: %v", err)
	}
	added := rec.get("/api/add-context-file")
	if added["path"] != "calculate_pi.rb" || added["readOnly"] != false {
		t.Fatalf("unexpected context payload %+v", added)
	}

	if err := client.SetEditFormat(ctx, "ollama/qwen", EditWhole); err != nil {
		t.Fatalf("SetEditFormat: %v", err)
	}
	formats, _ := rec.get("/api/project/settings/edit-formats")["updatedFormats"].(map[string]any)
	if formats["ollama/qwen"] != "whole" {
		t.Fatalf("unexpected formats %+v", formats)
	}

	if err := client.SetAutoApprove(ctx, true); err != nil {
		t.Fatalf("SetAutoApprove: %v", err)
	}
	settings := rec.get("/api/project/settings/update")
	if settings["projectDir"] != "/proj" || settings["autoApprove"] != true {
		t.Fatalf("unexpected settings payload %+v", settings)
	}

	if err := client.AnswerQuestion(ctx, id, "yes"); err != nil {
		t.Fatalf("AnswerQuestion: %v", err)
	}
	if rec.get("/api/project/answer-question")["answer"] != "yes" {
		t.Fatalf("answer not sent")
	}
}

func TestClientRunPromptReportsStatus(t *testing.T) {
	server, rec := newTestServer(t)
	client := newTestClient(server)

	status, err := client.RunPrompt(context.Background(), RunPromptRequest{TaskID: "t1", Prompt: "hi", Mode: ModeCode})
	if err != nil {
		t.Fatalf("RunPrompt: %v", err)
	}
	if status != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", status)
	}
	if rec.get("/api/run-prompt")["mode"] != "code" {
		t.Fatalf("mode not sent")
	}
}

func TestClientErrorBodyIsTruncated(t *testing.T) {
	server, _ := newTestServer(t)
	client := newTestClient(server)

	err := client.Interrupt(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Body != "task not found" {
		t.Fatalf("unexpected error %+v", apiErr)
	}

	long := (response{StatusCode: 500, Body: []byte(strings.Repeat("y", 500))}).err().(*APIError)
	if len(long.Body) != maxErrorBody {
		t.Fatalf("expected body truncated to %d, got %d", maxErrorBody, len(long.Body))
	}
}

func TestClientRunPromptTransportError(t *testing.T) {
	client := NewClient(WithBaseURL("http://127.0.0.1:1"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	status, err := client.RunPrompt(ctx, RunPromptRequest{TaskID: "t1"})
	if err == nil {
		t.Fatalf("expected transport error")
	}
	if status != 0 {
		t.Fatalf("expected no status, got %d", status)
	}
}
