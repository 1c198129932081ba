package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/LingoBill/app/controllers"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Controllers are the handlers mounted by the routers.
type Controllers struct {
	Payments *controllers.PaymentController
	Status   *controllers.AdminStatusController
}

func InstallRouter(app *fiber.App, ctrl Controllers) {
	setup(app, NewApiRouter(ctrl.Payments), NewAdminRouter(ctrl.Status))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
