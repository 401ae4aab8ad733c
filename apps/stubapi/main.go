package main

import (
	"log"
	"os"

	"github.com/dmakasi/mahudhurio/core"
	logsvc "github.com/dmakasi/mahudhurio/services/logger"
)

// stubapi is a self-contained backend honoring the wire contract the session
// client speaks: /api/ping, /api/users/login, /api/user/me and
// /api/user/me/permissions, seeded with fixture accounts.
func main() {
	conf := core.NewConfig()

	std := log.New(os.Stdout, "stubapi ", log.LstdFlags|log.Lshortfile)
	logger := logsvc.NewRollbarLogger(std, conf)
	logger.Enable(conf.RollbarToken != "")

	app := NewServer(
		&Options{
			Conf:   conf,
			Logger: logger,
		},
	)
	logger.Info("starting stub API", map[string]interface{}{"addr": conf.Server.Addr})
	app.Start()
}
