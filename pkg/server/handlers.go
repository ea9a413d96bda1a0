package server

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/mcpchat/pkg/agent"
	"github.com/kadirpekel/mcpchat/pkg/executor"
	"github.com/kadirpekel/mcpchat/pkg/llms"
	"github.com/kadirpekel/mcpchat/pkg/metrics"
	"github.com/kadirpekel/mcpchat/pkg/registry"
	"github.com/kadirpekel/mcpchat/pkg/userconfig"
)

type loginView struct {
	Error string
}

type indexView struct {
	History   []agent.HistoryEntry
	ToolCount int
}

// envPromptsView asks the user to fill in the environment variables a tool
// declares before it is added. Tool identity rides along in hidden fields.
type envPromptsView struct {
	ToolName  string
	GithubURL string
	EnvVars   []registry.EnvVarSpec
}

type settingsView struct {
	Tools          []userconfig.ToolReference
	Models         []string
	SelectedModel  string
	Instructions   string
	TimeoutSeconds int
	StepLimit      int
	EnvPrompts     *envPromptsView
	Error          string
	Success        string
}

func (s *Server) render(w http.ResponseWriter, name string, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := templates.ExecuteTemplate(w, name, data); err != nil {
		s.logger.Error("Failed to render template", "template", name, "error", err)
	}
}

func (s *Server) handleLoginPage(w http.ResponseWriter, _ *http.Request) {
	s.render(w, "login.html", loginView{})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	username := r.PostFormValue("username")
	password := r.PostFormValue("password")

	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.cfg.Auth.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.cfg.Auth.Password)) == 1
	if !userOK || !passOK {
		s.logger.Warn("Login failed", "username", username)
		s.render(w, "login.html", loginView{Error: "Invalid credentials"})
		return
	}

	if err := s.initializeAgent(r.Context(), username); err != nil {
		s.logger.Error("Agent initialization failed on login", "error", err)
		s.render(w, "login.html", loginView{Error: fmt.Sprintf("Failed to initialize agent: %v", err)})
		return
	}

	session := Session{
		UserID:         username,
		ThreadID:       uuid.NewString(),
		TimeoutSeconds: s.cfg.Agent.TimeoutSeconds,
		StepLimit:      s.cfg.Agent.StepLimit,
	}
	if err := s.sessions.Issue(w, session); err != nil {
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.Clear(w)
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	session := SessionFrom(r.Context())

	history, err := s.checkpoints.Get(r.Context(), session.ThreadID)
	if err != nil {
		http.Error(w, "failed to load conversation", http.StatusInternalServerError)
		return
	}

	s.render(w, "main.html", indexView{
		History:   history,
		ToolCount: s.manager.ToolCount(),
	})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	session := SessionFrom(r.Context())

	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	query := r.PostFormValue("query")
	if query == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	handle, err := s.manager.Get()
	if err != nil {
		s.sendEvent(sse, executor.OutputEvent{Error: "Agent has not been initialized."})
		return
	}

	start := time.Now()
	exec := executor.Execute(r.Context(), handle, session.ThreadID, query,
		time.Duration(session.TimeoutSeconds)*time.Second, session.StepLimit)

	for event := range exec.Events() {
		s.sendEvent(sse, event)
	}

	state := exec.State()
	metrics.QueriesTotal.WithLabelValues(state.String()).Inc()
	metrics.QueryDuration.Observe(time.Since(start).Seconds())
	s.logger.Info("Query finished",
		"thread_id", session.ThreadID,
		"state", state.String(),
		"duration", time.Since(start))
}

func (s *Server) sendEvent(sse *sseWriter, event executor.OutputEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("Failed to encode output event", "error", err)
		return
	}
	// A write error means the client went away; the execution context is
	// tied to the request and unwinds on its own.
	if err := sse.SendData(payload); err != nil {
		s.logger.Debug("Client disconnected mid-stream", "error", err)
	}
}

func (s *Server) settingsView(cfg *userconfig.UserConfig, session *Session) settingsView {
	return settingsView{
		Tools:          cfg.ToolConfig.Tools,
		Models:         llms.SupportedModels(),
		SelectedModel:  cfg.SelectedModel,
		Instructions:   cfg.Instructions,
		TimeoutSeconds: session.TimeoutSeconds,
		StepLimit:      session.StepLimit,
	}
}

func (s *Server) handleSettingsPage(w http.ResponseWriter, r *http.Request) {
	session := SessionFrom(r.Context())

	cfg, err := s.store.Load(r.Context(), session.UserID)
	if err != nil {
		http.Error(w, "failed to load settings", http.StatusInternalServerError)
		return
	}

	s.render(w, "settings.html", s.settingsView(cfg, session))
}

// handleSettings dispatches on the form's discriminator field: each settings
// form carries exactly one of add_tool, submit_env_vars, remove_tool, or
// apply_settings.
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	session := SessionFrom(r.Context())

	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	cfg, err := s.store.Load(r.Context(), session.UserID)
	if err != nil {
		http.Error(w, "failed to load settings", http.StatusInternalServerError)
		return
	}

	switch {
	case r.PostForm.Has("add_tool"):
		s.handleAddTool(w, r, cfg, session)
	case r.PostForm.Has("submit_env_vars"):
		s.handleSubmitEnvVars(w, r, cfg, session)
	case r.PostForm.Has("remove_tool"):
		s.handleRemoveTool(w, r, cfg, session)
	case r.PostForm.Has("apply_settings"):
		s.handleApplySettings(w, r, cfg, session)
	default:
		http.Error(w, "unknown settings action", http.StatusBadRequest)
	}
}

func (s *Server) handleAddTool(w http.ResponseWriter, r *http.Request, cfg *userconfig.UserConfig, session *Session) {
	toolName := r.PostFormValue("tool_name")
	githubURL := r.PostFormValue("github_url")
	if githubURL == "" {
		githubURL = s.cfg.ToolMarket.BaseURL
	}

	view := s.settingsView(cfg, session)

	if toolName == "" {
		view.Error = "Tool name is required"
		s.render(w, "settings.html", view)
		return
	}
	if cfg.HasTool(toolName) {
		view.Error = fmt.Sprintf("Tool %q is already installed", toolName)
		s.render(w, "settings.html", view)
		return
	}

	manifest, err := s.registry.FetchManifest(r.Context(), githubURL, toolName)
	if err != nil {
		view.Error = fmt.Sprintf("Error adding tool: %v", err)
		s.render(w, "settings.html", view)
		return
	}

	// Ask for any declared environment variables that are not configured
	// yet before the tool is added.
	var needed []registry.EnvVarSpec
	configured := cfg.EnvVars[toolName]
	for _, envVar := range manifest.EnvVars {
		if _, ok := configured[envVar.Name]; !ok {
			needed = append(needed, envVar)
		}
	}
	if len(needed) > 0 {
		view.EnvPrompts = &envPromptsView{
			ToolName:  toolName,
			GithubURL: githubURL,
			EnvVars:   needed,
		}
		s.render(w, "settings.html", view)
		return
	}

	cfg.ToolConfig.Tools = append(cfg.ToolConfig.Tools, userconfig.ToolReference{
		Name:      toolName,
		GithubURL: githubURL,
	})
	if err := s.store.Save(r.Context(), cfg); err != nil {
		view.Error = fmt.Sprintf("Error adding tool: %v", err)
		s.render(w, "settings.html", view)
		return
	}

	view = s.settingsView(cfg, session)
	view.Success = "Tool added successfully"
	s.render(w, "settings.html", view)
}

func (s *Server) handleSubmitEnvVars(w http.ResponseWriter, r *http.Request, cfg *userconfig.UserConfig, session *Session) {
	toolName := r.PostFormValue("tool_name")
	githubURL := r.PostFormValue("github_url")

	view := s.settingsView(cfg, session)

	if toolName == "" {
		view.Error = "Tool name is required"
		s.render(w, "settings.html", view)
		return
	}

	envVars := map[string]string{}
	for key := range r.PostForm {
		if name, ok := strings.CutPrefix(key, "env_"); ok && name != "" {
			envVars[name] = r.PostFormValue(key)
		}
	}
	cfg.EnvVars[toolName] = envVars

	if !cfg.HasTool(toolName) {
		cfg.ToolConfig.Tools = append(cfg.ToolConfig.Tools, userconfig.ToolReference{
			Name:      toolName,
			GithubURL: githubURL,
		})
	}

	if err := s.store.Save(r.Context(), cfg); err != nil {
		view.Error = fmt.Sprintf("Error adding tool: %v", err)
		s.render(w, "settings.html", view)
		return
	}

	view = s.settingsView(cfg, session)
	view.Success = "Tool added successfully"
	s.render(w, "settings.html", view)
}

func (s *Server) handleRemoveTool(w http.ResponseWriter, r *http.Request, cfg *userconfig.UserConfig, session *Session) {
	toolName := r.PostFormValue("tool_name")

	view := s.settingsView(cfg, session)

	if !cfg.HasTool(toolName) {
		view.Error = fmt.Sprintf("Tool %q not found", toolName)
		s.render(w, "settings.html", view)
		return
	}

	cfg.RemoveTool(toolName)
	if err := s.store.Save(r.Context(), cfg); err != nil {
		view.Error = fmt.Sprintf("Error removing tool: %v", err)
		s.render(w, "settings.html", view)
		return
	}

	view = s.settingsView(cfg, session)
	view.Success = fmt.Sprintf("Tool %q removed successfully", toolName)
	s.render(w, "settings.html", view)
}

func (s *Server) handleApplySettings(w http.ResponseWriter, r *http.Request, cfg *userconfig.UserConfig, session *Session) {
	view := s.settingsView(cfg, session)

	timeout, err := strconv.Atoi(r.PostFormValue("timeout"))
	if err != nil || timeout <= 0 {
		view.Error = "Timeout must be a positive number of seconds"
		s.render(w, "settings.html", view)
		return
	}
	stepLimit, err := strconv.Atoi(r.PostFormValue("recursion_limit"))
	if err != nil || stepLimit <= 0 {
		view.Error = "Step limit must be a positive number"
		s.render(w, "settings.html", view)
		return
	}

	cfg.SelectedModel = r.PostFormValue("model")
	cfg.Instructions = r.PostFormValue("instructions")
	if err := s.store.Save(r.Context(), cfg); err != nil {
		view.Error = fmt.Sprintf("Error saving settings: %v", err)
		s.render(w, "settings.html", view)
		return
	}

	if err := s.initializeAgent(r.Context(), session.UserID); err != nil {
		view := s.settingsView(cfg, session)
		view.Error = fmt.Sprintf("Failed to apply settings: %v", err)
		s.render(w, "settings.html", view)
		return
	}

	updated := *session
	updated.TimeoutSeconds = timeout
	updated.StepLimit = stepLimit
	if err := s.sessions.Issue(w, updated); err != nil {
		http.Error(w, "failed to update session", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleReset starts a fresh conversation by rotating the thread id. The old
// thread's history stays in the checkpoint store but is no longer reachable
// from the UI.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	session := SessionFrom(r.Context())

	updated := *session
	updated.ThreadID = uuid.NewString()
	if err := s.sessions.Issue(w, updated); err != nil {
		http.Error(w, "failed to update session", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}
