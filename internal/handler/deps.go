package handler

import (
	"triviad/internal/app/game"
	"triviad/internal/configs"
)

type AppDeps struct {
	Gateway  *game.Gateway
	Sessions *game.SessionManager
	Config   *configs.AppConfig
}
