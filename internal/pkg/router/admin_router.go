package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"

	"github.com/ManuelReschke/LingoBill/app/controllers"
	"github.com/ManuelReschke/LingoBill/internal/pkg/env"
)

type AdminRouter struct {
	status *controllers.AdminStatusController
}

func (h AdminRouter) InstallRouter(app *fiber.App) {
	if h.status == nil {
		return
	}
	admin := app.Group("/admin", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("ADMIN_USER", "admin"): env.GetEnv("ADMIN_PASSWORD", "admin"),
		},
	}))
	admin.Get("/status", h.status.HandleStatus)
}

func NewAdminRouter(status *controllers.AdminStatusController) *AdminRouter {
	return &AdminRouter{status: status}
}
