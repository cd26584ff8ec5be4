// Package server exposes enrollment, verification, supervision and the
// access gate to the hosting test page over HTTP.
package server

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/MrCodeEU/examguard/pkg/access"
	"github.com/MrCodeEU/examguard/pkg/camera"
	"github.com/MrCodeEU/examguard/pkg/config"
	"github.com/MrCodeEU/examguard/pkg/directory"
	"github.com/MrCodeEU/examguard/pkg/enrollment"
	"github.com/MrCodeEU/examguard/pkg/logging"
	"github.com/MrCodeEU/examguard/pkg/recognition"
	"github.com/MrCodeEU/examguard/pkg/supervision"
	"github.com/MrCodeEU/examguard/pkg/verification"
)

// Pinger is a dependency checked by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// EngineStatus reports the face engine lifecycle.
type EngineStatus interface {
	State() recognition.State
}

// Dependencies bundles what the server needs.
type Dependencies struct {
	Store    directory.Store
	Engine   EngineStatus
	Enroller *enrollment.Enroller
	Verifier *verification.Verifier
	Tokens   *access.TokenManager
	Gate     *access.Gate
	Codec    *access.RoleCodec
	Reporter supervision.Reporter
	Evidence supervision.EvidenceSink
	// Checks are extra readiness dependencies keyed by name.
	Checks map[string]Pinger
}

// Server is the HTTP API.
type Server struct {
	app      *fiber.App
	cfg      *config.Config
	deps     Dependencies
	frames   *camera.Hub
	registry *supervision.Registry
	version  string
}

// New builds the fiber app and registers routes.
func New(cfg *config.Config, deps Dependencies, version string) *Server {
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		frames:  camera.NewHub(cfg.Camera.MaxFrameAgeDuration()),
		version: version,
	}
	s.registry = supervision.NewRegistry(func(identity string) *supervision.Controller {
		var ctrl *supervision.Controller
		ctrl = supervision.NewController(deps.Verifier, s.frames.Get(identity), supervision.Options{
			Interval:                cfg.Supervision.Interval(),
			ConsecutiveFailureLimit: cfg.Supervision.ConsecutiveFailureLimit,
			AttemptTimeout:          cfg.Supervision.AttemptTimeoutDuration(),
			MaxIdle:                 cfg.Supervision.MaxIdleDuration(),
			Reporter:                deps.Reporter,
			Evidence:                deps.Evidence,
			OnExpire: func(supervision.Results) {
				s.registry.Evict(identity, ctrl)
			},
		})
		return ctrl
	})
	s.registry.OnEvict(s.frames.Drop)

	s.app = fiber.New(fiber.Config{
		AppName:               "examguard",
		BodyLimit:             cfg.Server.BodyLimit(),
		DisableStartupMessage: true,
	})
	s.app.Use(requestTimeoutMiddleware(cfg.Server.RequestTimeoutDuration()))
	s.app.Use(errorHandlingMiddleware())
	s.app.Use(requestLogger())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/health/live", s.live)
	s.app.Get("/health/ready", s.ready)

	api := s.app.Group("/api", authMiddleware(s.deps.Tokens))
	api.Get("/access", s.checkAccess)

	protected := api.Group("", requireAuth())
	protected.Post("/enrollment", s.enroll)
	protected.Post("/verification", s.verify)
	protected.Post("/frames", s.pushFrame)

	protected.Get("/supervision", s.supervisionResults)
	protected.Post("/supervision/start", s.startSupervision)
	protected.Post("/supervision/stop", s.stopSupervision)
	protected.Post("/supervision/verify", s.verifyIntegrity)

	protected.Post("/access/refresh", s.refreshRole)
	protected.Post("/access/role", s.setRole)
}

// App returns the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Registry returns the supervision controllers.
func (s *Server) Registry() *supervision.Registry {
	return s.registry
}

// Listen serves on the configured address until Shutdown.
func (s *Server) Listen() error {
	logging.Component("server").Infof("Listening on %s", s.cfg.Server.Addr())
	return s.app.Listen(s.cfg.Server.Addr())
}

// Shutdown stops every supervision session and then the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.registry.CloseAll()
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) live(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":      "alive",
		"service":     "examguard",
		"version":     s.version,
		"sessions":    len(s.registry.Identities()),
		"frame_slots": s.frames.Len(),
	})
}

func (s *Server) ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	deps := fiber.Map{}
	ready := true

	if err := s.deps.Store.Ping(ctx); err != nil {
		deps["directory"] = err.Error()
		ready = false
	} else {
		deps["directory"] = "ok"
	}

	if s.deps.Engine != nil {
		state := s.deps.Engine.State()
		deps["engine"] = state.String()
		if state == recognition.StateFailed {
			ready = false
		}
	}

	for name, p := range s.deps.Checks {
		if err := p.Ping(ctx); err != nil {
			deps[name] = err.Error()
			ready = false
		} else {
			deps[name] = "ok"
		}
	}

	if ready {
		return c.JSON(fiber.Map{"status": "ready", "dependencies": deps})
	}
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "DEPENDENCY_UNAVAILABLE",
			"message": "one or more dependencies unavailable",
			"details": deps,
		},
	})
}

// readFrame returns the uploaded frame from a multipart "frame" field or
// the raw body, validated as JPEG.
func readFrame(c *fiber.Ctx) (camera.Frame, error) {
	var data []byte
	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
		fh, err := c.FormFile("frame")
		if err != nil {
			return camera.Frame{}, badRequest("multipart field 'frame' is required")
		}
		f, err := fh.Open()
		if err != nil {
			return camera.Frame{}, err
		}
		defer f.Close()
		if data, err = io.ReadAll(f); err != nil {
			return camera.Frame{}, err
		}
	} else {
		// fiber reuses the body buffer after the handler returns
		data = append([]byte(nil), c.Body()...)
	}
	return camera.NewFrame(data)
}

func (s *Server) enroll(c *fiber.Ctx) error {
	identity := authState(c).Identity
	frame, err := readFrame(c)
	if err != nil {
		return err
	}

	res, err := s.deps.Enroller.Enroll(c.UserContext(), identity, frame.Data)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

func (s *Server) verify(c *fiber.Ctx) error {
	identity := authState(c).Identity
	frame, err := readFrame(c)
	if err != nil {
		return err
	}

	attempt, err := s.deps.Verifier.Verify(c.UserContext(), identity, frame.Data)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"attempt": attempt,
		"message": attempt.Message(),
	})
}

func (s *Server) pushFrame(c *fiber.Ctx) error {
	frame, err := readFrame(c)
	if err != nil {
		return err
	}
	if _, err := s.frames.Get(authState(c).Identity).Push(frame.Data); err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"width":  frame.Width,
		"height": frame.Height,
	})
}

type startRequest struct {
	IntervalMs int `json:"interval_ms"`
}

func (s *Server) startSupervision(c *fiber.Ctx) error {
	identity := authState(c).Identity

	var req startRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest("invalid request body")
		}
	}
	if req.IntervalMs < 0 {
		return badRequest("interval_ms must not be negative")
	}

	interval := time.Duration(req.IntervalMs) * time.Millisecond
	ctrl := s.registry.GetOrCreate(identity)
	err := ctrl.Start(identity, interval)
	if errors.Is(err, supervision.ErrClosed) {
		// evicted between lookup and start
		ctrl = s.registry.GetOrCreate(identity)
		err = ctrl.Start(identity, interval)
	}
	switch {
	case errors.Is(err, supervision.ErrAlreadyActive):
		return c.JSON(fiber.Map{"already_active": true, "results": ctrl.Results()})
	case err != nil:
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"already_active": false, "results": ctrl.Results()})
}

func (s *Server) stopSupervision(c *fiber.Ctx) error {
	ctrl, ok := s.registry.Get(authState(c).Identity)
	if !ok {
		return supervision.ErrNotActive
	}
	if err := ctrl.Stop(); err != nil {
		return err
	}
	return c.JSON(ctrl.Results())
}

func (s *Server) verifyIntegrity(c *fiber.Ctx) error {
	ctrl, ok := s.registry.Get(authState(c).Identity)
	if !ok {
		return supervision.ErrNotActive
	}
	resp, err := ctrl.VerifyTestIntegrity(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(resp)
}

func (s *Server) supervisionResults(c *fiber.Ctx) error {
	ctrl, ok := s.registry.Get(authState(c).Identity)
	if !ok {
		return c.JSON(supervision.Results{State: supervision.StateIdle.String(), Attempts: []verification.Attempt{}})
	}
	return c.JSON(ctrl.Results())
}

func (s *Server) checkAccess(c *fiber.Ctx) error {
	required := access.ParseRoles(c.Query("roles"))
	if len(required) == 0 {
		return badRequest("roles query parameter must name at least one known role")
	}

	decision := s.deps.Gate.CanAccess(c.UserContext(), authState(c), c.Cookies(s.cfg.Access.RoleCookie), required...)
	status := fiber.StatusOK
	if decision == access.Denied {
		status = fiber.StatusForbidden
	}
	return c.Status(status).JSON(fiber.Map{"decision": decision})
}

func (s *Server) setRoleCookie(c *fiber.Ctx, role access.Role) error {
	enc, err := s.deps.Codec.Encrypt(role)
	if err != nil {
		return err
	}
	c.Cookie(&fiber.Cookie{
		Name:     s.cfg.Access.RoleCookie,
		Value:    enc,
		Path:     "/",
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteStrictMode,
		Expires:  time.Now().Add(s.cfg.Access.TokenTTL()),
	})
	return nil
}

// refreshRole caches the caller's stored role in the encrypted cookie.
func (s *Server) refreshRole(c *fiber.Ctx) error {
	identity := authState(c).Identity
	stored, err := s.deps.Store.GetRole(c.UserContext(), identity)
	if err != nil {
		return err
	}
	role, err := access.ParseRole(stored)
	if err != nil {
		return forbidden("stored role is not recognised")
	}
	if err := s.setRoleCookie(c, role); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"identity": identity, "role": role})
}

type setRoleRequest struct {
	Identity string `json:"identity"`
	Role     string `json:"role"`
}

// setRole lets an admin assign a role.
func (s *Server) setRole(c *fiber.Ctx) error {
	caller := authState(c)
	role, ok := s.deps.Gate.RoleFor(c.UserContext(), caller.Identity, c.Cookies(s.cfg.Access.RoleCookie))
	if !ok || role != access.RoleAdmin {
		return forbidden("admin role required")
	}

	var req setRoleRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest("invalid request body")
	}
	newRole, err := access.ParseRole(req.Role)
	if err != nil {
		return badRequest("unknown role")
	}
	if err := s.deps.Store.SetRole(c.UserContext(), req.Identity, string(newRole)); err != nil {
		return err
	}

	if req.Identity == caller.Identity {
		if err := s.setRoleCookie(c, newRole); err != nil {
			return err
		}
	}

	logging.ForIdentity("access", req.Identity).WithFields(logging.Fields{
		"role": newRole,
		"by":   caller.Identity,
	}).Info("Role assigned")
	return c.JSON(fiber.Map{"identity": req.Identity, "role": newRole})
}
