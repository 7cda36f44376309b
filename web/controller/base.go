// Package controller provides the panel's HTTP handlers.
package controller

import (
	"candy-panel/internal/poller"
	"candy-panel/internal/service"
)

// Services are the collaborators shared by every controller.
type Services struct {
	Registry *service.ServerRegistry
	Settings *service.SettingService
	Router   *service.CommandRouter
	Resolver *service.Resolver
	Poller   *poller.Poller
}
