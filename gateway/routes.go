package gateway

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/c360/taskmesh/auth"
	"github.com/c360/taskmesh/requestreply"
	"github.com/c360/taskmesh/tasks"
	"github.com/c360/taskmesh/tokens"
	"github.com/c360/taskmesh/users"
)

// Success messages
const (
	MsgRegistered  = "User account created successfully"
	MsgLoggedIn    = "User logged in successfully"
	MsgLoggedOut   = "User logged out successfully"
	MsgTaskCreated = "Task created successfully"
)

type credentialData struct {
	Message string `json:"message"`
	Token   string `json:"token"`
}

type messageData struct {
	Message string `json:"message"`
}

type taskData struct {
	Message string      `json:"message"`
	Task    *tasks.Task `json:"task"`
}

type taskListData struct {
	Tasks []*tasks.Task `json:"tasks"`
}

type taskBody struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (g *Gateway) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(g.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(g.accessLog)
	if g.limiter != nil {
		r.Use(g.rateLimit)
	}
	if g.cfg.EnableCORS {
		r.Use(g.cors)
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method "+r.Method+" not allowed")
	})

	r.Get("/healthz", g.handleHealth)

	authorized := auth.Middleware(g.auth)
	r.Route("/user", func(r chi.Router) {
		r.Post("/register", g.handleRegister)
		r.Post("/login", g.handleLogin)
		r.Group(func(r chi.Router) {
			r.Use(authorized)
			r.Get("/", g.handleFindAllUsers)
			r.Get("/logout", g.handleLogout)
			r.Get("/me", g.handleMe)
		})
	})
	r.Route("/task", func(r chi.Router) {
		r.Use(authorized)
		r.Post("/", g.handleCreateTask)
		r.Get("/", g.handleListTasks)
	})
	return r
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := g.checker.Run(r.Context())
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	writeData(w, code, status)
}

func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req users.RegisterRequest
	if !g.decodeBody(w, r, schemaRegister, &req) {
		return
	}
	reply, err := requestreply.Call[users.RegisterRequest, users.SubjectReply](r.Context(), g.client, g.topics.register, req)
	if err != nil {
		g.writeCallError(w, r, err)
		return
	}
	g.respondWithCredential(w, r, reply.SubjectID, http.StatusCreated, MsgRegistered)
}

func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req users.LoginRequest
	if !g.decodeBody(w, r, schemaLogin, &req) {
		return
	}
	reply, err := requestreply.Call[users.LoginRequest, users.SubjectReply](r.Context(), g.client, g.topics.login, req)
	if err != nil {
		g.writeCallError(w, r, err)
		return
	}
	g.respondWithCredential(w, r, reply.SubjectID, http.StatusOK, MsgLoggedIn)
}

// respondWithCredential issues a credential for subjectID and writes it.
func (g *Gateway) respondWithCredential(w http.ResponseWriter, r *http.Request, subjectID string, status int, msg string) {
	token, err := g.createCredential(r.Context(), subjectID)
	if err != nil {
		g.writeCallError(w, r, err)
		return
	}
	writeData(w, status, credentialData{Message: msg, Token: token})
}

func (g *Gateway) createCredential(ctx context.Context, subjectID string) (string, error) {
	reply, err := requestreply.Call[tokens.CreateRequest, tokens.CreateReply](ctx, g.client, g.topics.createCredential,
		tokens.CreateRequest{SubjectID: subjectID})
	if err != nil {
		return "", err
	}
	return reply.Token, nil
}

func (g *Gateway) handleFindAllUsers(w http.ResponseWriter, r *http.Request) {
	page, ok := queryInt(w, r, "page")
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}

	reply, err := requestreply.Call[users.FindAllRequest, users.FindAllReply](r.Context(), g.client, g.topics.findAll,
		users.FindAllRequest{Page: page, Limit: limit})
	if err != nil {
		g.writeCallError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, reply)
}

// queryInt parses an optional positive integer query parameter. Absent
// parameters are 0 so the user service applies its defaults.
func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, name+" must be a positive integer")
		return 0, false
	}
	return n, true
}

func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	_, err := requestreply.Call[tokens.DestroyRequest, tokens.DestroyReply](r.Context(), g.client, g.topics.destroyCredential,
		tokens.DestroyRequest{SubjectID: ac.Principal.ID})
	if err != nil {
		g.writeCallError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, messageData{Message: MsgLoggedOut})
}

func (g *Gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, mustAuth(r).Principal)
}

func (g *Gateway) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var body taskBody
	if !g.decodeBody(w, r, schemaCreateTask, &body) {
		return
	}
	ac := mustAuth(r)

	reply, err := requestreply.Call[tasks.CreateRequest, tasks.CreateReply](r.Context(), g.client, g.topics.createTask,
		tasks.CreateRequest{SubjectID: ac.Principal.ID, Title: body.Title, Description: body.Description})
	if err != nil {
		g.writeCallError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, taskData{Message: MsgTaskCreated, Task: reply.Task})
}

func (g *Gateway) handleListTasks(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	reply, err := requestreply.Call[tasks.ListRequest, tasks.ListReply](r.Context(), g.client, g.topics.listTasks,
		tasks.ListRequest{SubjectID: ac.Principal.ID})
	if err != nil {
		g.writeCallError(w, r, err)
		return
	}
	list := reply.Tasks
	if list == nil {
		list = []*tasks.Task{}
	}
	writeData(w, http.StatusOK, taskListData{Tasks: list})
}

// mustAuth returns the AuthContext set by auth.Middleware. Routes using it
// are only mounted behind that middleware.
func mustAuth(r *http.Request) *auth.AuthContext {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		panic("gateway: protected route reached without an auth context")
	}
	return ac
}
