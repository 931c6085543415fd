package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"iptablesd/internal/auth"
	"iptablesd/internal/middleware"
	"iptablesd/internal/services"
)

// Deps are the services the API is built on.
type Deps struct {
	Sessions   *auth.SessionManager
	Users      *auth.UserService
	Firewall   *services.FirewallService
	Snapshots  *services.SnapshotService
	Interfaces *services.InterfaceService
	Persist    *services.PersistService
	Logger     *zap.Logger
}

func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	authHandler := NewAuthHandler(d.Sessions, d.Users, logger)
	statusHandler := NewStatusHandler(d.Firewall)
	interfacesHandler := NewInterfacesHandler(d.Interfaces, logger)
	firewallHandler := NewFirewallHandler(d.Firewall, d.Users, logger)
	snapshotHandler := NewSnapshotHandler(d.Snapshots, d.Users, logger)
	settingsHandler := NewSettingsHandler(d.Users, d.Persist, logger)

	authMiddleware := middleware.NewAuthMiddleware(d.Sessions, d.Users)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/login", authHandler.Login)
		r.Post("/logout", authHandler.Logout)

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.RequireAuth)

			r.Get("/me", authHandler.Me)
			r.Get("/status", statusHandler.Status)
			r.Get("/interfaces", interfacesHandler.List)
			r.Get("/interfaces/{name}", interfacesHandler.Get)

			r.Route("/{family}/tables/{table}", func(r chi.Router) {
				r.Get("/chains", firewallHandler.ListChains)
				r.Post("/chains", firewallHandler.CreateChain)
				r.Get("/rules", firewallHandler.ListTableRules)
				r.Post("/flush", firewallHandler.FlushTable)

				r.With(authMiddleware.RequireAdmin).Post("/execute", firewallHandler.Execute)

				r.Route("/chains/{chain}", func(r chi.Router) {
					r.Get("/", firewallHandler.GetChain)
					r.Delete("/", firewallHandler.DeleteChain)
					r.Get("/exists", firewallHandler.ChainExists)
					r.Post("/rename", firewallHandler.RenameChain)
					r.Post("/flush", firewallHandler.FlushChain)
					r.Post("/clear", firewallHandler.ClearChain)
					r.Get("/policy", firewallHandler.GetPolicy)
					r.Put("/policy", firewallHandler.SetPolicy)
					r.Get("/rules", firewallHandler.ListRules)
					r.Post("/rules", firewallHandler.AddRule)
					r.Delete("/rules", firewallHandler.DeleteRule)
					r.Post("/rules/check", firewallHandler.CheckRule)
					r.Put("/rules/{num}", firewallHandler.ReplaceRule)
					r.Delete("/rules/{num}", firewallHandler.DeleteRuleAt)
					r.Post("/rules/{num}/move", firewallHandler.MoveRule)
				})
			})

			r.Post("/save", firewallHandler.Save)

			r.Get("/snapshots", snapshotHandler.List)
			r.Post("/snapshots", snapshotHandler.Create)
			r.Get("/snapshots/{id}", snapshotHandler.Get)
			r.Delete("/snapshots/{id}", snapshotHandler.Delete)
			r.Post("/snapshots/{id}/restore", snapshotHandler.Restore)

			r.Post("/password", settingsHandler.ChangePassword)
			r.Get("/audit", settingsHandler.AuditLogs)

			r.Group(func(r chi.Router) {
				r.Use(authMiddleware.RequireAdmin)
				r.Get("/users", settingsHandler.ListUsers)
				r.Post("/users", settingsHandler.CreateUser)
				r.Put("/users/{id}", settingsHandler.UpdateUser)
				r.Delete("/users/{id}", settingsHandler.DeleteUser)
				r.Get("/export", settingsHandler.ExportConfig)
				r.Post("/import", settingsHandler.ImportConfig)
			})
		})
	})

	return r
}
